//go:build unix

package proctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/tnt2402/jvm-explorer/api"
)

// GoHost attaches to Go programs that installed the agent package. Such a
// program advertises itself with a marker in the rendezvous directory and
// starts its agent when signalled.
type GoHost struct {
	rv api.Rendezvous
}

func NewGoHost(dir string) *GoHost {
	if dir == "" {
		dir = api.DefaultRendezvousDir()
	}
	return &GoHost{rv: api.Rendezvous{Dir: dir}}
}

func (*GoHost) Runtime() string { return api.RuntimeGo }

// PayloadKey is empty: the agent is linked into the target.
func (*GoHost) PayloadKey() string { return "" }

func (h *GoHost) Enumerate(ctx context.Context) ([]api.TargetProcess, error) {
	entries, err := os.ReadDir(h.rv.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var targets []api.TargetProcess
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pid, ok := api.MarkerPID(e.Name())
		if !ok {
			continue
		}
		if !processAlive(pid) {
			glog.V(1).Infof("removing stale marker of exited process %d", pid)
			os.Remove(h.rv.MarkerPath(pid))
			os.Remove(h.rv.AttachPath(pid))
			os.Remove(h.rv.ResultPath(pid))
			continue
		}
		m, err := h.marker(pid)
		if err != nil {
			glog.Warningf("skipping unreadable marker of %d: %v", pid, err)
			continue
		}
		targets = append(targets, api.TargetProcess{
			PID:         pid,
			DisplayName: m.DisplayName,
			Runtime:     api.RuntimeGo,
		})
	}
	return targets, nil
}

func (h *GoHost) marker(pid int) (*api.Marker, error) {
	data, err := os.ReadFile(h.rv.MarkerPath(pid))
	if err != nil {
		return nil, err
	}
	var m api.Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding marker: %w", err)
	}
	if m.PID != pid {
		return nil, fmt.Errorf("marker names pid %d", m.PID)
	}
	return &m, nil
}

// Attach hands args to the target and waits for it to report the outcome.
// agentPath is unused.
func (h *GoHost) Attach(ctx context.Context, pid int, agentPath, args string) error {
	if _, err := os.Stat(h.rv.MarkerPath(pid)); err != nil {
		return fmt.Errorf("process %d has not installed an agent: %w", pid, err)
	}
	resultPath := h.rv.ResultPath(pid)
	os.Remove(resultPath)

	if err := os.WriteFile(h.rv.AttachPath(pid), []byte(args), 0o600); err != nil {
		return fmt.Errorf("writing attach request: %w", err)
	}
	if err := unix.Kill(pid, api.AttachSignal); err != nil {
		os.Remove(h.rv.AttachPath(pid))
		return fmt.Errorf("signalling %d: %w", pid, err)
	}

	var result []byte
	err := waitFor(ctx, func() (bool, error) {
		data, err := os.ReadFile(resultPath)
		switch {
		case err == nil:
			result = data
			return true, nil
		case errors.Is(err, fs.ErrNotExist):
			if !processAlive(pid) {
				return false, fmt.Errorf("process %d exited during attach", pid)
			}
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		os.Remove(h.rv.AttachPath(pid))
		return fmt.Errorf("waiting for agent start: %w", err)
	}
	os.Remove(resultPath)

	if msg := strings.TrimSpace(string(result)); msg != api.AttachResultOK {
		return fmt.Errorf("agent failed to start: %s", msg)
	}
	return nil
}

func (h *GoHost) Properties(ctx context.Context, pid int) (map[string]string, error) {
	m, err := h.marker(pid)
	if err != nil {
		return nil, err
	}
	return m.Properties, nil
}

// processAlive reports whether pid exists, including processes owned by
// other users.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
