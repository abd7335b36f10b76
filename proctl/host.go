// Package proctl discovers attachable processes and drives agent injection.
// Runtime specific mechanics sit behind Host so the attach state machine can
// be exercised with a fake.
package proctl

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"

	"github.com/tnt2402/jvm-explorer/api"
)

// Host is the native process-attach capability of one runtime.
type Host interface {
	// Runtime is the identifier stamped on the targets this host reports.
	Runtime() string
	// PayloadKey names the agent payload to stage before Attach, or "" when
	// the agent is already linked into the target.
	PayloadKey() string
	// Enumerate lists the attachable processes.
	Enumerate(ctx context.Context) ([]api.TargetProcess, error)
	// Attach loads the agent into pid, passing args as its startup arguments.
	Attach(ctx context.Context, pid int, agentPath, args string) error
	// Properties returns the target's exposed environment for diagnostics.
	Properties(ctx context.Context, pid int) (map[string]string, error)
}

// Registry lists targets across every configured host.
type Registry struct {
	hosts []Host
}

func NewRegistry(hosts ...Host) *Registry {
	return &Registry{hosts: hosts}
}

// Host returns the host serving runtime.
func (r *Registry) Host(runtime string) (Host, error) {
	for _, h := range r.hosts {
		if h.Runtime() == runtime {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no attach support for runtime %q", runtime)
}

// ListTargets queries every host afresh. Finding nothing is not an error; a
// failing host is skipped unless every host fails.
func (r *Registry) ListTargets(ctx context.Context) ([]api.TargetProcess, error) {
	var (
		targets []api.TargetProcess
		errs    []string
	)
	for _, h := range r.hosts {
		found, err := h.Enumerate(ctx)
		if err != nil {
			glog.Warningf("listing %s processes: %v", h.Runtime(), err)
			errs = append(errs, fmt.Sprintf("%s: %v", h.Runtime(), err))
			continue
		}
		targets = append(targets, found...)
	}
	if len(r.hosts) > 0 && len(errs) == len(r.hosts) {
		return nil, fmt.Errorf("listing processes: %s", strings.Join(errs, "; "))
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].PID < targets[j].PID })
	return targets, nil
}
