package proctl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnt2402/jvm-explorer/api"
)

type fakeHost struct {
	runtime    string
	payloadKey string
	targets    []api.TargetProcess
	enumErr    error
	attachErr  error
	props      map[string]string
	propsErr   error
	// propsGate, when set, holds Properties until it is closed.
	propsGate  chan struct{}
	reading    chan struct{}

	mu        sync.Mutex
	agentPath string
	args      string
	attaches  int
}

func (h *fakeHost) Runtime() string    { return h.runtime }
func (h *fakeHost) PayloadKey() string { return h.payloadKey }

func (h *fakeHost) Enumerate(context.Context) ([]api.TargetProcess, error) {
	return h.targets, h.enumErr
}

func (h *fakeHost) Attach(_ context.Context, pid int, agentPath, args string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attaches++
	h.agentPath, h.args = agentPath, args
	return h.attachErr
}

func (h *fakeHost) Properties(ctx context.Context, _ int) (map[string]string, error) {
	if h.propsGate != nil {
		close(h.reading)
		select {
		case <-h.propsGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.props, h.propsErr
}

type fakeStager struct {
	keys []string
	err  error
}

func (s *fakeStager) EnsureStaged(key string) (string, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return "", s.err
	}
	return "/staged/" + key, nil
}

func newTestAttacher(stager Stager, hosts ...Host) *Attacher {
	a := NewAttacher(NewRegistry(hosts...), stager, AttachOptions{
		LogLevel: api.LogDebug,
		LogFile:  "/var/log/agent.log",
	})
	a.FreePort = func(string) (int, error) { return 40123, nil }
	a.NewID = func() string { return "session-1" }
	return a
}

var vm = api.TargetProcess{PID: 4242, DisplayName: "com.example.Main", Runtime: api.RuntimeHotspot}

func TestAttachInjectsAgent(t *testing.T) {
	host := &fakeHost{runtime: api.RuntimeHotspot, payloadKey: "agents/agent.jar"}
	stager := &fakeStager{}
	a := newTestAttacher(stager, host)

	cfg, err := a.Attach(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, api.AgentConfig{
		HostName:    "127.0.0.1",
		Port:        40123,
		Identifier:  "session-1",
		LogLevel:    api.LogDebug,
		LogFilePath: "/var/log/agent.log",
	}, cfg)
	assert.Equal(t, Attached, a.State())
	assert.Equal(t, &vm, a.Target())

	assert.Equal(t, []string{"agents/agent.jar"}, stager.keys)
	assert.Equal(t, "/staged/agents/agent.jar", host.agentPath)
	parsed, err := api.ParseAgentConfig(host.args)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)

	a.Detach()
	assert.Equal(t, Detached, a.State())
	assert.Nil(t, a.Target())
}

func TestAttachSkipsStagingForLinkedAgents(t *testing.T) {
	host := &fakeHost{runtime: api.RuntimeGo}
	stager := &fakeStager{}
	a := newTestAttacher(stager, host)

	_, err := a.Attach(context.Background(), api.TargetProcess{PID: 7, Runtime: api.RuntimeGo})
	require.NoError(t, err)
	assert.Empty(t, stager.keys)
	assert.Empty(t, host.agentPath)
}

func TestAttachFailureCarriesDiagnostics(t *testing.T) {
	boom := errors.New("target refused")
	host := &fakeHost{
		runtime:    api.RuntimeHotspot,
		payloadKey: "agents/agent.jar",
		attachErr:  boom,
		props:      map[string]string{"java.version": "1.6.0", "user.name": "svc"},
	}
	a := newTestAttacher(&fakeStager{}, host)

	_, err := a.Attach(context.Background(), vm)
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, vm, attachErr.Target)
	assert.Equal(t, "1.6.0", attachErr.Properties["java.version"])
	assert.Equal(t, "java.version=1.6.0\nuser.name=svc\n", attachErr.Diagnostics())
	assert.Equal(t, Failed, a.State())

	_, err = a.Attach(context.Background(), vm)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, host.attaches)

	a.Detach()
	assert.Equal(t, Detached, a.State())

	host.attachErr = nil
	_, err = a.Attach(context.Background(), vm)
	assert.NoError(t, err)
}

func TestAttachPropertiesFailureIsNotFatal(t *testing.T) {
	host := &fakeHost{
		runtime:   api.RuntimeHotspot,
		attachErr: errors.New("no such process"),
		propsErr:  errors.New("no such process"),
	}
	a := newTestAttacher(&fakeStager{}, host)

	_, err := a.Attach(context.Background(), vm)
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Nil(t, attachErr.Properties)
	assert.Empty(t, attachErr.Diagnostics())
}

func TestStateReadableWhileFetchingDiagnostics(t *testing.T) {
	host := &fakeHost{
		runtime:   api.RuntimeHotspot,
		attachErr: errors.New("agent load failed"),
		props:     map[string]string{"java.version": "17"},
		propsGate: make(chan struct{}),
		reading:   make(chan struct{}),
	}
	a := newTestAttacher(&fakeStager{}, host)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Attach(context.Background(), vm)
		errc <- err
	}()
	select {
	case <-host.reading:
	case <-time.After(5 * time.Second):
		t.Fatal("diagnostics never requested")
	}

	states := make(chan State, 1)
	go func() { states <- a.State() }()
	select {
	case st := <-states:
		assert.Equal(t, Attaching, st)
	case <-time.After(time.Second):
		t.Fatal("State blocked behind the diagnostics read")
	}
	assert.Equal(t, &vm, a.Target())

	close(host.propsGate)
	err := <-errc
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, "17", attachErr.Properties["java.version"])
	assert.Equal(t, Failed, a.State())
}

func TestAttachRejectsSeparatorInArguments(t *testing.T) {
	host := &fakeHost{runtime: api.RuntimeHotspot, payloadKey: "agents/agent.jar"}
	a := NewAttacher(NewRegistry(host), &fakeStager{}, AttachOptions{
		LogFile: "/home/op/jvmx;old/logs/agent.log",
	})
	a.FreePort = func(string) (int, error) { return 40123, nil }

	_, err := a.Attach(context.Background(), vm)
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.ErrorContains(t, err, "logFilePath")
	assert.ErrorContains(t, err, "must not contain ';'")
	assert.Zero(t, host.attaches, "nothing injected with an unparseable argument string")
	assert.Equal(t, Failed, a.State())
}

func TestAttachStagingFailure(t *testing.T) {
	stageErr := errors.New("disk full")
	host := &fakeHost{runtime: api.RuntimeHotspot, payloadKey: "agents/agent.jar"}
	a := newTestAttacher(&fakeStager{err: stageErr}, host)

	_, err := a.Attach(context.Background(), vm)
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.ErrorIs(t, err, stageErr)
	assert.Zero(t, host.attaches, "no injection without a payload")
	assert.Equal(t, Failed, a.State())
}

func TestAttachUnknownRuntime(t *testing.T) {
	a := newTestAttacher(&fakeStager{}, &fakeHost{runtime: api.RuntimeGo})

	_, err := a.Attach(context.Background(), vm)
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Contains(t, err.Error(), "hotspot")
}

func TestDetachIsNoOpWhenDetached(t *testing.T) {
	a := newTestAttacher(nil)
	a.Detach()
	assert.Equal(t, Detached, a.State())
	assert.Equal(t, "Attaching", Attaching.String())
}

func TestListTargets(t *testing.T) {
	ctx := context.Background()
	jvms := &fakeHost{runtime: api.RuntimeHotspot, targets: []api.TargetProcess{
		{PID: 30, DisplayName: "b", Runtime: api.RuntimeHotspot},
		{PID: 10, DisplayName: "a", Runtime: api.RuntimeHotspot},
	}}
	gos := &fakeHost{runtime: api.RuntimeGo, targets: []api.TargetProcess{
		{PID: 20, DisplayName: "svc", Runtime: api.RuntimeGo},
	}}

	targets, err := NewRegistry(jvms, gos).ListTargets(ctx)
	require.NoError(t, err)
	var pids []int
	for _, target := range targets {
		pids = append(pids, target.PID)
	}
	assert.Equal(t, []int{10, 20, 30}, pids)

	gos.enumErr = errors.New("permission denied")
	targets, err = NewRegistry(jvms, gos).ListTargets(ctx)
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	jvms.enumErr = errors.New("no tmp dir")
	_, err = NewRegistry(jvms, gos).ListTargets(ctx)
	assert.ErrorContains(t, err, "permission denied")

	targets, err = NewRegistry(&fakeHost{runtime: api.RuntimeGo}).ListTargets(ctx)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestFreePort(t *testing.T) {
	port, err := FreePort("127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
