package proctl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/tnt2402/jvm-explorer/api"
)

// State is the lifecycle of one attach attempt.
type State int

const (
	Detached State = iota
	Attaching
	Attached
	Failed
)

func (s State) String() string {
	switch s {
	case Detached:
		return "Detached"
	case Attaching:
		return "Attaching"
	case Attached:
		return "Attached"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrInvalidState is returned by Attach when the attacher is not Detached.
var ErrInvalidState = errors.New("attach requested while not detached")

// AttachError reports a failed attach. Properties holds whatever environment
// the target exposed, for diagnosing version or permission mismatches.
type AttachError struct {
	Target     api.TargetProcess
	Err        error
	Properties map[string]string
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to %d (%s): %v", e.Target.PID, e.Target.DisplayName, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// Diagnostics renders the target properties one per line, sorted by key.
func (e *AttachError) Diagnostics() string {
	keys := make([]string, 0, len(e.Properties))
	for k := range e.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, e.Properties[k])
	}
	return b.String()
}

// Stager materializes agent payloads. provision.Stager satisfies it.
type Stager interface {
	EnsureStaged(key string) (string, error)
}

// AttachOptions are the controller-side settings handed to every agent.
type AttachOptions struct {
	HostName string
	LogLevel api.LogLevel
	LogFile  string
	Timeout  time.Duration
}

// Attacher drives Detached -> Attaching -> Attached|Failed for one target at
// a time.
type Attacher struct {
	registry *Registry
	stager   Stager
	opts     AttachOptions

	// FreePort and NewID are replaceable in tests.
	FreePort func(host string) (int, error)
	NewID    func() string

	mu     sync.Mutex
	state  State
	target *api.TargetProcess
}

func NewAttacher(registry *Registry, stager Stager, opts AttachOptions) *Attacher {
	if opts.HostName == "" {
		opts.HostName = "127.0.0.1"
	}
	if opts.LogLevel == "" {
		opts.LogLevel = api.LogInfo
	}
	return &Attacher{
		registry: registry,
		stager:   stager,
		opts:     opts,
		FreePort: FreePort,
		NewID:    uuid.NewString,
	}
}

func (a *Attacher) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Target returns the process of the current attempt, or nil when Detached.
func (a *Attacher) Target() *api.TargetProcess {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// Attach injects the agent into target and returns the configuration the
// agent was started with.
func (a *Attacher) Attach(ctx context.Context, target api.TargetProcess) (api.AgentConfig, error) {
	a.mu.Lock()
	if a.state != Detached {
		a.mu.Unlock()
		return api.AgentConfig{}, ErrInvalidState
	}
	a.state = Attaching
	a.target = &target
	a.mu.Unlock()

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	cfg, host, err := a.inject(ctx, target)
	if err != nil {
		glog.Errorf("attach to %d failed: %v", target.PID, err)
		// Still Attaching while diagnostics are read, so nothing can start
		// another attempt meanwhile.
		props := properties(ctx, host, target.PID)
		a.mu.Lock()
		a.state = Failed
		a.mu.Unlock()
		return api.AgentConfig{}, &AttachError{Target: target, Err: err, Properties: props}
	}

	a.mu.Lock()
	a.state = Attached
	a.mu.Unlock()
	glog.Infof("agent %s injected into %d, listening on %s", cfg.Identifier, target.PID, cfg.Address())
	return cfg, nil
}

func (a *Attacher) inject(ctx context.Context, target api.TargetProcess) (api.AgentConfig, Host, error) {
	host, err := a.registry.Host(target.Runtime)
	if err != nil {
		return api.AgentConfig{}, nil, err
	}

	var agentPath string
	if key := host.PayloadKey(); key != "" {
		if a.stager == nil {
			return api.AgentConfig{}, host, fmt.Errorf("runtime %s needs payload %s but no stager is configured", target.Runtime, key)
		}
		if agentPath, err = a.stager.EnsureStaged(key); err != nil {
			return api.AgentConfig{}, host, err
		}
	}

	port, err := a.FreePort(a.opts.HostName)
	if err != nil {
		return api.AgentConfig{}, host, fmt.Errorf("allocating agent port: %w", err)
	}
	cfg := api.AgentConfig{
		HostName:    a.opts.HostName,
		Port:        port,
		Identifier:  a.NewID(),
		LogLevel:    a.opts.LogLevel,
		LogFilePath: a.opts.LogFile,
	}
	if err := cfg.Validate(); err != nil {
		return api.AgentConfig{}, nil, err
	}

	glog.V(1).Infof("injecting agent into %d with %s", target.PID, cfg)
	if err := host.Attach(ctx, target.PID, agentPath, cfg.String()); err != nil {
		return api.AgentConfig{}, host, err
	}
	return cfg, host, nil
}

// properties fetches diagnostics with a fresh deadline, since ctx may be the
// one that just expired.
func properties(ctx context.Context, host Host, pid int) map[string]string {
	if host == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	props, err := host.Properties(pctx, pid)
	if err != nil {
		glog.Warningf("reading properties of %d: %v", pid, err)
		return nil
	}
	return props
}

// Detach returns to Detached from Attached or Failed. It never fails; the
// agent stops on its own once its controller disconnects.
func (a *Attacher) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Attached, Failed:
		glog.V(1).Infof("detaching from %d", a.target.PID)
		a.state = Detached
		a.target = nil
	}
}

// FreePort asks the kernel for an unused TCP port on host.
func FreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
