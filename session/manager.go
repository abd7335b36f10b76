package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tnt2402/jvm-explorer/api"
	"github.com/tnt2402/jvm-explorer/client"
	"github.com/tnt2402/jvm-explorer/proctl"
)

// Attacher injects agents. proctl.Attacher satisfies it.
type Attacher interface {
	Attach(ctx context.Context, target api.TargetProcess) (api.AgentConfig, error)
	Detach()
}

// Dialer connects to an injected agent.
type Dialer func(ctx context.Context, cfg api.AgentConfig) (client.Interface, error)

// Recorder observes session activity. metrics.Metrics satisfies it.
type Recorder interface {
	ObserveAttach(runtime string, err error, elapsed time.Duration)
	ObserveRequest(operation string, err error, elapsed time.Duration)
	SetSessionActive(active bool)
	ObserveStale()
}

type Options struct {
	// Workers bounds the operations running at once.
	Workers int
	// ConnectTimeout bounds connecting to a freshly injected agent.
	ConnectTimeout time.Duration
	// Deliver runs result and progress callbacks, typically on the thread
	// owning the user interface. Defaults to calling them inline.
	Deliver func(func())
	Dialer  Dialer
	Metrics Recorder
}

// Manager holds at most one session. Operations return immediately and
// report through callbacks; a callback whose session is no longer current
// when it is delivered is dropped.
type Manager struct {
	attacher Attacher
	opts     Options
	sem      *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// attachMu serializes attach attempts so a superseded attempt finishes
	// and cleans up before the next one starts.
	attachMu sync.Mutex

	mu        sync.Mutex
	current   *Session
	client    client.Interface
	progress  int
	// loaders maps class names of the last listing to their loader.
	loaders   map[string]string
	observers map[int]func(api.Event)
	nextObs   int

	progressLog rate.Sometimes
}

func NewManager(attacher Attacher, opts Options) *Manager {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Deliver == nil {
		opts.Deliver = func(f func()) { f() }
	}
	if opts.Dialer == nil {
		opts.Dialer = dialSocket
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		attacher:    attacher,
		opts:        opts,
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		ctx:         ctx,
		cancel:      cancel,
		progress:    -1,
		observers:   map[int]func(api.Event){},
		progressLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
}

func dialSocket(ctx context.Context, cfg api.AgentConfig) (client.Interface, error) {
	c, err := client.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Current returns a copy of the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Detached
	}
	return m.current.State
}

// Progress is the percentage of the class listing in flight, or -1.
func (m *Manager) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Subscribe registers fn for every session event until the returned
// function is called. Events are delivered through Options.Deliver.
func (m *Manager) Subscribe(fn func(api.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) emit(events ...api.Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	observers := make([]func(api.Event), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	m.opts.Deliver(func() {
		for _, ev := range events {
			for _, fn := range observers {
				fn(ev)
			}
		}
	})
}

func (m *Manager) isCurrent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.ID == id
}

// deliver runs fn through Deliver unless session id has ended by then.
func (m *Manager) deliver(id, what string, fn func()) {
	m.opts.Deliver(func() {
		if !m.isCurrent(id) {
			glog.V(1).Infof("dropping %s result of ended session %s", what, id)
			m.opts.Metrics.ObserveStale()
			return
		}
		fn()
	})
}

// submit runs fn on the worker pool. Work still queued when the manager
// closes is abandoned.
func (m *Manager) submit(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			return
		}
		defer m.sem.Release(1)
		fn(m.ctx)
	}()
}

// Attach starts a session on target, ending the current one first. done
// receives nil once the agent is connected, or a *proctl.AttachError.
func (m *Manager) Attach(target api.TargetProcess, done func(error)) {
	s := &Session{
		ID:        uuid.NewString(),
		Target:    target,
		State:     Attaching,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	var events []api.Event
	if m.current != nil {
		events = append(events, m.detachLocked(nil))
	}
	m.current = s
	events = append(events, stateEvent(s, Attaching, nil))
	m.mu.Unlock()
	m.emit(events...)

	glog.Infof("session %s: attaching to %d (%s)", s.ID, target.PID, target.DisplayName)
	m.submit(func(ctx context.Context) {
		m.attachMu.Lock()
		defer m.attachMu.Unlock()
		if !m.isCurrent(s.ID) {
			glog.V(1).Infof("session %s: superseded before attaching", s.ID)
			return
		}

		start := time.Now()
		c, cfg, err := m.connect(ctx, target)
		m.opts.Metrics.ObserveAttach(target.Runtime, err, time.Since(start))

		m.mu.Lock()
		if m.current == nil || m.current.ID != s.ID {
			m.mu.Unlock()
			glog.V(1).Infof("session %s: ended while attaching", s.ID)
			if err == nil {
				c.Close()
				m.attacher.Detach()
			}
			m.opts.Metrics.ObserveStale()
			return
		}
		if err != nil {
			m.current = nil
			m.mu.Unlock()
			glog.Errorf("session %s: %v", s.ID, err)
			m.emit(stateEvent(s, Failed, err), stateEvent(s, Detached, nil))
			m.opts.Deliver(func() { done(err) })
			return
		}
		m.current.State = Attached
		m.current.Config = cfg
		m.client = c
		m.opts.Metrics.SetSessionActive(true)
		m.mu.Unlock()

		glog.Infof("session %s: attached to %d", s.ID, target.PID)
		m.emit(stateEvent(s, Attached, nil))
		m.deliver(s.ID, "attach", func() { done(nil) })
	})
}

// connect injects the agent and opens the agent connection. The attacher is
// back in Detached whenever an error is returned.
func (m *Manager) connect(ctx context.Context, target api.TargetProcess) (client.Interface, api.AgentConfig, error) {
	cfg, err := m.attacher.Attach(ctx, target)
	if err != nil {
		m.attacher.Detach()
		var attachErr *proctl.AttachError
		if !errors.As(err, &attachErr) {
			err = &proctl.AttachError{Target: target, Err: err}
		}
		return nil, api.AgentConfig{}, err
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	c, err := m.opts.Dialer(dctx, cfg)
	if err != nil {
		m.attacher.Detach()
		return nil, api.AgentConfig{}, &proctl.AttachError{
			Target: target,
			Err:    fmt.Errorf("connecting to agent: %w", err),
		}
	}
	return c, cfg, nil
}

// Detach ends the current session. Results of its pending operations are
// dropped.
func (m *Manager) Detach() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	ev := m.detachLocked(nil)
	m.mu.Unlock()
	m.emit(ev)
}

// detachLocked must be called with mu held and current set.
func (m *Manager) detachLocked(cause error) api.Event {
	s := m.current
	glog.Infof("session %s: detaching from %d", s.ID, s.Target.PID)
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	// An attempt still Attaching cleans up after itself.
	if s.State != Attaching {
		m.attacher.Detach()
	}
	m.current = nil
	m.progress = -1
	m.loaders = nil
	m.opts.Metrics.SetSessionActive(false)
	return stateEvent(s, Detached, cause)
}

// session returns the live session and its client, or ErrNotAttached.
func (m *Manager) session() (Session, client.Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.State != Attached || m.client == nil {
		return Session{}, nil, ErrNotAttached
	}
	return *m.current, m.client, nil
}

// finish accounts for a completed request and delivers its result. A lost
// connection ends the session it belonged to; the failed request still
// hears about it.
func (m *Manager) finish(s Session, operation string, err error, start time.Time, result func()) {
	m.opts.Metrics.ObserveRequest(operation, err, time.Since(start))
	if err == nil || !errors.Is(err, client.ErrConnectionLost) {
		m.deliver(s.ID, operation, result)
		return
	}
	m.mu.Lock()
	if m.current == nil || m.current.ID != s.ID {
		m.mu.Unlock()
		m.deliver(s.ID, operation, result)
		return
	}
	glog.Errorf("session %s: %v", s.ID, err)
	ev := m.detachLocked(err)
	m.mu.Unlock()
	m.emit(ev)
	m.opts.Deliver(result)
}

// ListLoadedClasses lists every class loaded in the target. onProgress, if
// not nil, sees non-decreasing percentages.
func (m *Manager) ListLoadedClasses(onProgress func(percent int), done func([]api.LoadedClass, error)) {
	s, c, err := m.session()
	if err != nil {
		m.opts.Deliver(func() { done(nil, err) })
		return
	}

	m.submit(func(ctx context.Context) {
		start := time.Now()
		last := -1
		m.setProgress(s.ID, 0)
		classes, err := c.ListClasses(func(p int) {
			if p <= last {
				return
			}
			last = p
			if !m.setProgress(s.ID, p) {
				return
			}
			m.progressLog.Do(func() { glog.V(1).Infof("session %s: listing classes %d%%", s.ID, p) })
			m.emit(progressEvent(s.ID, p))
			if onProgress != nil {
				m.deliver(s.ID, "progress", func() { onProgress(p) })
			}
		})
		m.resetProgress(s.ID)
		if err != nil {
			err = fmt.Errorf("listing classes: %w", err)
		} else {
			glog.V(1).Infof("session %s: %d classes loaded", s.ID, len(classes))
			m.setLoaders(s.ID, classes)
		}
		m.finish(s, "list_classes", err, start, func() { done(classes, err) })
	})
}

func (m *Manager) setProgress(id string, p int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ID != id {
		return false
	}
	m.progress = p
	return true
}

func (m *Manager) resetProgress(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == id {
		m.progress = -1
	}
}

// setLoaders indexes classes by name. A name loaded by more than one loader
// is left out since it does not identify a single class.
func (m *Manager) setLoaders(id string, classes []api.LoadedClass) {
	idx := make(map[string]string, len(classes))
	shared := map[string]bool{}
	for _, c := range classes {
		if l, ok := idx[c.Name]; ok && l != c.LoaderID {
			shared[c.Name] = true
		}
		idx[c.Name] = c.LoaderID
	}
	for name := range shared {
		delete(idx, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.ID == id {
		m.loaders = idx
	}
}

// owner identifies className by the loader it was listed under, if known.
func (m *Manager) owner(id, className string) api.LoadedClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := api.LoadedClass{Name: className}
	if m.current != nil && m.current.ID == id {
		owner.LoaderID = m.loaders[className]
	}
	return owner
}

// FetchClassContent retrieves the content of the class named className.
func (m *Manager) FetchClassContent(className string, done func(*api.ClassContent, error)) {
	s, c, err := m.session()
	if err != nil {
		m.opts.Deliver(func() { done(nil, err) })
		return
	}

	m.submit(func(ctx context.Context) {
		start := time.Now()
		content, err := c.ClassContent(className)
		if err != nil {
			content = nil
			err = fmt.Errorf("fetching %s: %w", className, err)
		} else {
			content.Owner = m.owner(s.ID, className)
		}
		m.finish(s, "class_content", err, start, func() { done(content, err) })
	})
}

// WriteField sets className.fieldName from its textual value. done
// receives true only when the agent applied the change.
func (m *Manager) WriteField(className, fieldName, value string, done func(bool, error)) {
	s, c, err := m.session()
	if err != nil {
		m.opts.Deliver(func() { done(false, err) })
		return
	}

	m.submit(func(ctx context.Context) {
		start := time.Now()
		err := c.EditField(className, fieldName, value)
		if err != nil {
			err = fmt.Errorf("writing %s.%s: %w", className, fieldName, err)
		} else {
			glog.Infof("session %s: set %s.%s = %q", s.ID, className, fieldName, value)
		}
		m.finish(s, "edit_field", err, start, func() { done(err == nil, err) })
	})
}

// Close ends the session and waits for running operations.
func (m *Manager) Close() {
	m.Detach()
	m.cancel()
	m.wg.Wait()
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttach(string, error, time.Duration)  {}
func (nopRecorder) ObserveRequest(string, error, time.Duration) {}
func (nopRecorder) SetSessionActive(bool)                       {}
func (nopRecorder) ObserveStale()                               {}
