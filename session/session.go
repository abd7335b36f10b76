// Package session owns the controller's single live attachment and runs
// agent operations asynchronously on its behalf.
package session

import (
	"errors"
	"time"

	"github.com/tnt2402/jvm-explorer/api"
	"github.com/tnt2402/jvm-explorer/proctl"
)

// State is the attachment state of a session.
type State = proctl.State

const (
	Detached  = proctl.Detached
	Attaching = proctl.Attaching
	Attached  = proctl.Attached
	Failed    = proctl.Failed
)

// ErrNotAttached is handed to operations submitted without a live session.
var ErrNotAttached = errors.New("not attached to a process")

// Session is one attachment. Config is set once Attached.
type Session struct {
	ID        string
	Target    api.TargetProcess
	State     State
	Config    api.AgentConfig
	CreatedAt time.Time
}

func stateEvent(s *Session, state State, err error) api.Event {
	target := s.Target
	data := &api.StateChangedData{
		Timestamp: time.Now().UnixMilli(),
		SessionID: s.ID,
		Target:    &target,
		State:     state.String(),
	}
	if err != nil {
		data.Error = err.Error()
	}
	return api.Event{Name: api.StateChanged, StateChanged: data}
}

func progressEvent(id string, percent int) api.Event {
	return api.Event{
		Name: api.ProgressChanged,
		Progress: &api.ProgressData{
			Timestamp: time.Now().UnixMilli(),
			SessionID: id,
			Percent:   percent,
		},
	}
}
