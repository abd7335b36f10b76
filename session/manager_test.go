package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnt2402/jvm-explorer/api"
	"github.com/tnt2402/jvm-explorer/client"
	"github.com/tnt2402/jvm-explorer/proctl"
)

const waitTimeout = 5 * time.Second

type fakeAttacher struct {
	err      error
	attaches atomic.Int32
	detaches atomic.Int32
}

func (a *fakeAttacher) Attach(ctx context.Context, target api.TargetProcess) (api.AgentConfig, error) {
	n := a.attaches.Add(1)
	if a.err != nil {
		return api.AgentConfig{}, a.err
	}
	return api.AgentConfig{HostName: "127.0.0.1", Port: 40000 + int(n), Identifier: fmt.Sprint(n)}, nil
}

func (a *fakeAttacher) Detach() { a.detaches.Add(1) }

type fakeClient struct {
	classes  []api.LoadedClass
	progress []int
	err      error
	gate     chan struct{}
	closed   atomic.Bool

	mu     sync.Mutex
	fields map[string]string
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeClient) wait() {
	if c.gate != nil {
		<-c.gate
	}
}

func (c *fakeClient) ListClasses(onProgress func(int)) ([]api.LoadedClass, error) {
	for _, p := range c.progress {
		onProgress(p)
	}
	c.wait()
	if c.err != nil {
		return nil, c.err
	}
	return c.classes, nil
}

func (c *fakeClient) ClassContent(className string) (*api.ClassContent, error) {
	c.wait()
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var fields []api.FieldDescriptor
	for name, v := range c.fields {
		fields = append(fields, api.FieldDescriptor{Name: name, Type: "string", Value: v})
	}
	return &api.ClassContent{Payload: []byte("type X struct{}"), Fields: fields}, nil
}

func (c *fakeClient) EditField(className, fieldName, value string) error {
	c.wait()
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields == nil {
		c.fields = map[string]string{}
	}
	c.fields[fieldName] = value
	return nil
}

// eventLog records events in delivery order.
type eventLog struct {
	mu     sync.Mutex
	events []api.Event
}

func (l *eventLog) add(ev api.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) last() api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return api.Event{}
	}
	return l.events[len(l.events)-1]
}

func (l *eventLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.StateChanged != nil {
			out = append(out, ev.StateChanged.State)
		}
	}
	return out
}

func newTestManager(t *testing.T, attacher Attacher, clients ...*fakeClient) (*Manager, *eventLog) {
	t.Helper()
	var next atomic.Int32
	m := NewManager(attacher, Options{
		Workers: 2,
		Dialer: func(ctx context.Context, cfg api.AgentConfig) (client.Interface, error) {
			i := int(next.Add(1)) - 1
			if i >= len(clients) {
				return nil, errors.New("connection refused")
			}
			return clients[i], nil
		},
	})
	log := &eventLog{}
	m.Subscribe(log.add)
	t.Cleanup(m.Close)
	return m, log
}

var target = api.TargetProcess{PID: 100, DisplayName: "com.example.Main", Runtime: api.RuntimeHotspot}

func attach(t *testing.T, m *Manager, target api.TargetProcess) error {
	t.Helper()
	done := make(chan error, 1)
	m.Attach(target, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("attach did not complete")
		return nil
	}
}

func TestAttachAndListClasses(t *testing.T) {
	fc := &fakeClient{
		classes:  []api.LoadedClass{{Name: "a.B", LoaderID: "app"}},
		progress: []int{10, 5, 50, 50, 100},
	}
	m, log := newTestManager(t, &fakeAttacher{}, fc)
	assert.Equal(t, Detached, m.State())
	assert.Equal(t, -1, m.Progress())

	require.NoError(t, attach(t, m, target))
	assert.Equal(t, Attached, m.State())
	cur := m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, target, cur.Target)
	assert.Equal(t, "1", cur.Config.Identifier)
	assert.NotEmpty(t, cur.ID)

	var seen []int
	done := make(chan []api.LoadedClass, 1)
	m.ListLoadedClasses(func(p int) { seen = append(seen, p) }, func(classes []api.LoadedClass, err error) {
		assert.NoError(t, err)
		done <- classes
	})
	select {
	case classes := <-done:
		assert.Equal(t, fc.classes, classes)
	case <-time.After(waitTimeout):
		t.Fatal("listing did not complete")
	}
	assert.Equal(t, []int{10, 50, 100}, seen)
	assert.Equal(t, -1, m.Progress())
	assert.Equal(t, []string{"Attaching", "Attached"}, log.states())

	var progressEvents int
	log.mu.Lock()
	defer log.mu.Unlock()
	for _, ev := range log.events {
		if ev.Name == api.ProgressChanged {
			progressEvents++
			assert.Equal(t, cur.ID, ev.Progress.SessionID)
		}
	}
	assert.Equal(t, 3, progressEvents)
}

func TestStaleResultIsDropped(t *testing.T) {
	gate := make(chan struct{})
	first := &fakeClient{gate: gate}
	m, _ := newTestManager(t, &fakeAttacher{}, first, &fakeClient{})
	require.NoError(t, attach(t, m, target))

	var called atomic.Bool
	m.FetchClassContent("a.B", func(*api.ClassContent, error) { called.Store(true) })

	m.Detach()
	assert.True(t, first.closed.Load())
	require.NoError(t, attach(t, m, api.TargetProcess{PID: 200, Runtime: api.RuntimeHotspot}))
	close(gate)

	assert.Never(t, called.Load, 200*time.Millisecond, 10*time.Millisecond)
}

func TestStaleCheckHappensAtDelivery(t *testing.T) {
	var queue []func()
	var qmu sync.Mutex
	pump := func() {
		qmu.Lock()
		q := queue
		queue = nil
		qmu.Unlock()
		for _, f := range q {
			f()
		}
	}

	fc := &fakeClient{}
	m := NewManager(&fakeAttacher{}, Options{
		Deliver: func(f func()) {
			qmu.Lock()
			defer qmu.Unlock()
			queue = append(queue, f)
		},
		Dialer: func(context.Context, api.AgentConfig) (client.Interface, error) { return fc, nil },
	})
	defer m.Close()

	attached := make(chan error, 1)
	m.Attach(target, func(err error) { attached <- err })
	require.Eventually(t, func() bool {
		pump()
		select {
		case err := <-attached:
			return assert.NoError(t, err)
		default:
			return false
		}
	}, waitTimeout, time.Millisecond)

	var called atomic.Bool
	m.WriteField("a.B", "f", "1", func(bool, error) { called.Store(true) })
	require.Eventually(t, func() bool {
		qmu.Lock()
		defer qmu.Unlock()
		return len(queue) > 0
	}, waitTimeout, time.Millisecond, "result must wait for delivery")

	m.Detach()
	pump()
	assert.False(t, called.Load(), "result of an ended session must be dropped")
}

func TestAttachFailureReturnsToDetached(t *testing.T) {
	cause := &proctl.AttachError{Target: target, Err: errors.New("permission denied"), Properties: map[string]string{"java.version": "1.6"}}
	attacher := &fakeAttacher{err: cause}
	m, log := newTestManager(t, attacher)

	err := attach(t, m, target)
	var attachErr *proctl.AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, "1.6", attachErr.Properties["java.version"])
	assert.Equal(t, Detached, m.State())
	assert.Nil(t, m.Current())
	assert.Equal(t, int32(1), attacher.detaches.Load())

	require.Eventually(t, func() bool { return len(log.states()) == 3 }, waitTimeout, time.Millisecond)
	assert.Equal(t, []string{"Attaching", "Failed", "Detached"}, log.states())
}

func TestDialFailureIsAttachError(t *testing.T) {
	attacher := &fakeAttacher{}
	m, _ := newTestManager(t, attacher)

	err := attach(t, m, target)
	var attachErr *proctl.AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, Detached, m.State())
	assert.Equal(t, int32(1), attacher.detaches.Load())
}

func TestConnectionLostEndsSession(t *testing.T) {
	fc := &fakeClient{err: fmt.Errorf("%w: EOF", client.ErrConnectionLost)}
	m, log := newTestManager(t, &fakeAttacher{}, fc)
	require.NoError(t, attach(t, m, target))

	done := make(chan error, 1)
	m.ListLoadedClasses(nil, func(classes []api.LoadedClass, err error) {
		assert.Nil(t, classes)
		done <- err
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, client.ErrConnectionLost)
	case <-time.After(waitTimeout):
		t.Fatal("listing did not complete")
	}
	assert.Equal(t, Detached, m.State())
	assert.Nil(t, m.Current())
	assert.True(t, fc.closed.Load())

	last := log.last()
	require.NotNil(t, last.StateChanged)
	assert.Equal(t, "Detached", last.StateChanged.State)
	assert.Contains(t, last.StateChanged.Error, "connection to agent lost")

	m.FetchClassContent("a.B", func(c *api.ClassContent, err error) { done <- err })
	assert.ErrorIs(t, <-done, ErrNotAttached)
}

func TestResolutionErrorKeepsSession(t *testing.T) {
	fc := &fakeClient{err: &api.RemoteError{Code: api.CodeClassNotFound, Message: "a.Gone"}}
	m, _ := newTestManager(t, &fakeAttacher{}, fc)
	require.NoError(t, attach(t, m, target))

	done := make(chan error, 1)
	m.FetchClassContent("a.Gone", func(c *api.ClassContent, err error) {
		assert.Nil(t, c)
		done <- err
	})
	assert.ErrorIs(t, <-done, api.ErrClassNotFound)
	assert.Equal(t, Attached, m.State())

	ok := make(chan bool, 1)
	m.WriteField("a.Gone", "f", "1", func(applied bool, err error) {
		assert.Error(t, err)
		ok <- applied
	})
	assert.False(t, <-ok)
}

func TestOperationsRequireSession(t *testing.T) {
	m, _ := newTestManager(t, &fakeAttacher{})

	errs := make(chan error, 3)
	m.ListLoadedClasses(nil, func(_ []api.LoadedClass, err error) { errs <- err })
	m.FetchClassContent("a.B", func(_ *api.ClassContent, err error) { errs <- err })
	m.WriteField("a.B", "f", "v", func(_ bool, err error) { errs <- err })
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, ErrNotAttached)
	}

	m.Detach()
	assert.Equal(t, Detached, m.State())
}

func TestReattachDetachesPrevious(t *testing.T) {
	first, second := &fakeClient{}, &fakeClient{}
	attacher := &fakeAttacher{}
	m, log := newTestManager(t, attacher, first, second)

	require.NoError(t, attach(t, m, target))
	firstID := m.Current().ID
	require.NoError(t, attach(t, m, api.TargetProcess{PID: 200, Runtime: api.RuntimeHotspot}))

	assert.True(t, first.closed.Load())
	assert.False(t, second.closed.Load())
	assert.Equal(t, 200, m.Current().Target.PID)
	assert.NotEqual(t, firstID, m.Current().ID)
	assert.Equal(t, int32(1), attacher.detaches.Load())
	assert.Equal(t, []string{"Attaching", "Attached", "Detached", "Attaching", "Attached"}, log.states())
}

func TestUnsubscribe(t *testing.T) {
	m, _ := newTestManager(t, &fakeAttacher{}, &fakeClient{})
	var n atomic.Int32
	stop := m.Subscribe(func(api.Event) { n.Add(1) })
	stop()
	require.NoError(t, attach(t, m, target))
	assert.Zero(t, n.Load())
}

func TestContentOwnerCarriesListedLoader(t *testing.T) {
	fc := &fakeClient{classes: []api.LoadedClass{
		{Name: "a.B", LoaderID: "app"},
		{Name: "a.Shared", LoaderID: "app"},
		{Name: "a.Shared", LoaderID: "plugin"},
	}}
	m, _ := newTestManager(t, &fakeAttacher{}, fc)
	require.NoError(t, attach(t, m, target))

	fetch := func(name string) api.LoadedClass {
		done := make(chan *api.ClassContent, 1)
		m.FetchClassContent(name, func(c *api.ClassContent, err error) {
			assert.NoError(t, err)
			done <- c
		})
		select {
		case c := <-done:
			require.NotNil(t, c)
			return c.Owner
		case <-time.After(waitTimeout):
			t.Fatal("fetch did not complete")
			return api.LoadedClass{}
		}
	}

	assert.Equal(t, api.LoadedClass{Name: "a.B"}, fetch("a.B"), "loader unknown before a listing")

	listed := make(chan struct{})
	m.ListLoadedClasses(nil, func([]api.LoadedClass, error) { close(listed) })
	select {
	case <-listed:
	case <-time.After(waitTimeout):
		t.Fatal("listing did not complete")
	}

	assert.Equal(t, api.LoadedClass{Name: "a.B", LoaderID: "app"}, fetch("a.B"))
	assert.Equal(t, api.LoadedClass{Name: "a.Shared"}, fetch("a.Shared"), "ambiguous name keeps no loader")
}
