// Package agent is the in-target half of jvm-explorer. It runs inside the
// inspected process, accepts a single controller connection and answers
// class listing, class content and field edit requests over the framed
// protocol in package api.
package agent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tnt2402/jvm-explorer/api"
)

type Agent struct {
	cfg      api.AgentConfig
	runtime  Runtime
	log      *zap.Logger
	listener net.Listener
	handlers map[api.Kind]handler

	mu     sync.Mutex
	active net.Conn
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

type handler func(r *replier, m api.Message) error

// Start parses the startup arguments, opens the listening socket and serves
// in the background. It returns once the socket is bound.
func Start(args string, rt Runtime) (*Agent, error) {
	cfg, err := api.ParseAgentConfig(args)
	if err != nil {
		return nil, fmt.Errorf("agent startup: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("agent startup: %w", err)
	}

	l, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		log.Error("listen failed", zap.String("addr", cfg.Address()), zap.Error(err))
		_ = log.Sync()
		return nil, fmt.Errorf("agent listen on %s: %w", cfg.Address(), err)
	}

	a := &Agent{
		cfg:      cfg,
		runtime:  rt,
		log:      log,
		listener: l,
		done:     make(chan struct{}),
	}
	a.handlers = map[api.Kind]handler{
		api.ReqListClasses:  a.handleListClasses,
		api.ReqClassContent: a.handleClassContent,
		api.ReqEditField:    a.handleEditField,
	}

	log.Info("agent listening", zap.String("addr", l.Addr().String()))
	go a.acceptLoop()
	return a, nil
}

// Addr is the bound listening address.
func (a *Agent) Addr() net.Addr {
	return a.listener.Addr()
}

// Config returns the parsed startup configuration.
func (a *Agent) Config() api.AgentConfig {
	return a.cfg
}

// Close stops accepting, drops the controller connection and waits for the
// agent to stop.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		if a.active != nil {
			a.active.Close()
		}
		a.mu.Unlock()
		a.listener.Close()
	})
	a.Wait()
	return nil
}

// Wait blocks until the agent has stopped.
func (a *Agent) Wait() {
	<-a.done
}

// Done is closed when the agent has stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) acceptLoop() {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		a.log.Info("agent stopped")
		_ = a.log.Sync()
		close(a.done)
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.log.Error("accept failed", zap.Error(err))
			}
			return
		}

		if !a.claim(conn) {
			a.log.Warn("rejecting controller connection, one is already active",
				zap.String("remote", conn.RemoteAddr().String()))
			_ = api.WriteMessage(conn, &api.ErrorMessage{Code: api.CodeBusy, Message: api.ErrBusy.Error()})
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.serve(conn)
			// One controller per injected agent: a new attach brings a new agent.
			a.closeOnce.Do(func() {
				a.mu.Lock()
				a.closed = true
				a.mu.Unlock()
				a.listener.Close()
			})
		}()
	}
}

func (a *Agent) claim(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil || a.closed {
		return false
	}
	a.active = conn
	return true
}

func (a *Agent) serve(conn net.Conn) {
	defer func() {
		a.mu.Lock()
		a.active = nil
		a.mu.Unlock()
		conn.Close()
	}()
	a.log.Info("controller connected", zap.String("remote", conn.RemoteAddr().String()))

	fr := api.NewFrameReader(conn)
	r := &replier{conn: conn}
	for {
		f, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				a.log.Info("controller disconnected")
			} else {
				a.log.Warn("reading request failed", zap.Error(err))
			}
			return
		}

		m, err := f.Decode()
		if err != nil {
			a.log.Warn("malformed request", zap.Stringer("kind", f.Kind), zap.Error(err))
			r.send(&api.ErrorMessage{Code: api.CodeBadRequest, Message: err.Error()})
		} else if h, ok := a.handlers[f.Kind]; !ok {
			a.log.Warn("unexpected message", zap.Stringer("kind", f.Kind))
			r.send(&api.ErrorMessage{Code: api.CodeBadRequest, Message: fmt.Sprintf("unexpected message %s", f.Kind)})
		} else {
			a.dispatch(h, r, f.Kind, m)
		}

		if r.err != nil {
			a.log.Warn("writing response failed", zap.Error(r.err))
			return
		}
	}
}

func (a *Agent) dispatch(h handler, r *replier, kind api.Kind, m api.Message) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("handler panic", zap.Stringer("kind", kind), zap.Any("panic", p))
			r.send(&api.ErrorMessage{Code: api.CodeInternal, Message: fmt.Sprintf("agent panic: %v", p)})
		}
	}()

	a.log.Debug("handling request", zap.Stringer("kind", kind))
	if err := h(r, m); err != nil {
		a.log.Info("request failed", zap.Stringer("kind", kind), zap.Error(err))
		r.send(&api.ErrorMessage{Code: api.CodeOf(err), Message: err.Error()})
	}
}

// replier writes responses and remembers the first write failure, which ends
// the connection.
type replier struct {
	conn net.Conn
	err  error
}

func (r *replier) send(m api.Message) {
	if r.err != nil {
		return
	}
	r.err = api.WriteMessage(r.conn, m)
}
