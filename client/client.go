package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/tnt2402/jvm-explorer/api"
)

// ErrConnectionLost is matched by every error caused by the agent connection
// breaking. The connection is unusable afterwards.
var ErrConnectionLost = errors.New("connection to agent lost")

// ErrEditRejected is returned when the agent refuses to write a field.
var ErrEditRejected = errors.New("edit rejected by agent")

// Interface represents a controller connection to an in-target agent.
type Interface interface {
	// Close closes the connection to the agent.
	Close() error
	// ListClasses returns every loaded class. onProgress, if not nil, sees
	// each progress percentage the agent reports.
	ListClasses(onProgress func(percent int)) ([]api.LoadedClass, error)
	// ClassContent returns the content and live field values of a class.
	ClassContent(className string) (*api.ClassContent, error)
	// EditField sets a field from its textual representation.
	EditField(className, fieldName, value string) error
}

var _ = Interface(&SocketClient{})

// SocketClient talks to the agent over its TCP socket. Requests are
// serialized, so concurrent callers queue.
// Create a SocketClient using Dial or NewSocketClient.
type SocketClient struct {
	mu   sync.Mutex
	conn net.Conn
	fr   *api.FrameReader
	lost error
}

func NewSocketClient(conn net.Conn) *SocketClient {
	return &SocketClient{conn: conn, fr: api.NewFrameReader(conn)}
}

const redialInterval = 50 * time.Millisecond

// Dial connects to the agent described by cfg, retrying until ctx ends
// since the agent may still be binding its socket.
func Dial(ctx context.Context, cfg api.AgentConfig) (*SocketClient, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", cfg.Address())
		if err == nil {
			glog.V(1).Infof("connected to agent %s at %s", cfg.Identifier, cfg.Address())
			return NewSocketClient(conn), nil
		}
		glog.V(3).Infof("agent %s not reachable yet: %v", cfg.Address(), err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to agent at %s: %w", cfg.Address(), err)
		case <-time.After(redialInterval):
		}
	}
}

// Close does not wait for a request in flight; that request fails with
// ErrConnectionLost.
func (c *SocketClient) Close() error {
	return c.conn.Close()
}

func (c *SocketClient) ListClasses(onProgress func(int)) ([]api.LoadedClass, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(&api.ListClassesRequest{}); err != nil {
		return nil, err
	}
	for {
		m, err := c.recv()
		if err != nil {
			return nil, err
		}
		switch m := m.(type) {
		case *api.ProgressUpdate:
			if onProgress != nil {
				onProgress(int(m.Percent))
			}
		case *api.ClassesResult:
			return m.Classes, nil
		default:
			return nil, c.unexpected(m)
		}
	}
}

func (c *SocketClient) ClassContent(className string) (*api.ClassContent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(&api.ClassContentRequest{ClassName: className}); err != nil {
		return nil, err
	}
	m, err := c.recv()
	if err != nil {
		return nil, err
	}
	result, ok := m.(*api.ClassContentResult)
	if !ok {
		return nil, c.unexpected(m)
	}
	return &api.ClassContent{
		Payload: result.Payload,
		Fields:  result.Fields,
	}, nil
}

func (c *SocketClient) EditField(className, fieldName, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.send(&api.EditFieldRequest{ClassName: className, FieldName: fieldName, Value: value})
	if err != nil {
		return err
	}
	m, err := c.recv()
	if err != nil {
		return err
	}
	result, ok := m.(*api.EditResult)
	if !ok {
		return c.unexpected(m)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrEditRejected, result.Message)
	}
	return nil
}

func (c *SocketClient) send(m api.Message) error {
	if c.lost != nil {
		return c.lost
	}
	if err := api.WriteMessage(c.conn, m); err != nil {
		return c.fail(err)
	}
	return nil
}

// recv returns the next message. ERROR frames are returned as
// *api.RemoteError and leave the connection usable.
func (c *SocketClient) recv() (api.Message, error) {
	if c.lost != nil {
		return nil, c.lost
	}
	f, err := c.fr.Next()
	if err != nil {
		return nil, c.fail(err)
	}
	m, err := f.Decode()
	if err != nil {
		return nil, c.fail(err)
	}
	if e, ok := m.(*api.ErrorMessage); ok {
		return nil, e.Err()
	}
	return m, nil
}

// unexpected tears the connection down: the stream is out of step with the
// request.
func (c *SocketClient) unexpected(m api.Message) error {
	return c.fail(fmt.Errorf("unexpected %s message", m.Kind()))
}

func (c *SocketClient) fail(err error) error {
	glog.Warningf("agent connection failed: %v", err)
	c.lost = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	c.conn.Close()
	return c.lost
}
