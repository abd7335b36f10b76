package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnt2402/jvm-explorer/agent"
	"github.com/tnt2402/jvm-explorer/api"
)

type limits struct {
	MaxConns int
	Name     string
	Hooks    []func()
}

func agentConfig(t *testing.T) api.AgentConfig {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return api.AgentConfig{HostName: "127.0.0.1", Port: port, Identifier: "t", LogLevel: api.LogInfo}
}

func startAgent(t *testing.T) (*agent.Agent, *limits) {
	t.Helper()
	target := &limits{MaxConns: 8, Name: "edge"}
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("net.Limits", "app", target))
	for _, name := range []string{"net.A", "net.B", "util.C"} {
		require.NoError(t, reg.Register(name, "app", &limits{}))
	}
	a, err := agent.Start(agentConfig(t).String(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, target
}

func dial(t *testing.T, a *agent.Agent) *SocketClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, a.Config())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestListClasses(t *testing.T) {
	a, _ := startAgent(t)
	c := dial(t, a)

	var percents []int
	classes, err := c.ListClasses(func(p int) { percents = append(percents, p) })
	require.NoError(t, err)
	assert.Len(t, classes, 4)
	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])

	classes, err = c.ListClasses(nil)
	require.NoError(t, err)
	assert.Len(t, classes, 4)
}

func TestContentAndEditRoundTrip(t *testing.T) {
	a, target := startAgent(t)
	c := dial(t, a)

	require.NoError(t, c.EditField("net.Limits", "MaxConns", "64"))
	content, err := c.ClassContent("net.Limits")
	require.NoError(t, err)
	f, ok := content.Field("MaxConns")
	require.True(t, ok)
	assert.Equal(t, "64", f.Value)
	assert.NotEmpty(t, content.Payload)
	assert.Equal(t, 64, target.MaxConns)
}

func TestRemoteErrorsKeepConnection(t *testing.T) {
	a, _ := startAgent(t)
	c := dial(t, a)

	_, err := c.ClassContent("net.Missing")
	assert.ErrorIs(t, err, api.ErrClassNotFound)
	assert.NotErrorIs(t, err, ErrConnectionLost)

	err = c.EditField("net.Limits", "Missing", "1")
	assert.ErrorIs(t, err, api.ErrFieldNotFound)

	err = c.EditField("net.Limits", "MaxConns", "lots")
	assert.ErrorIs(t, err, api.ErrTypeCoercion)

	err = c.EditField("net.Limits", "Hooks", "x")
	assert.ErrorIs(t, err, ErrEditRejected)

	_, err = c.ListClasses(nil)
	assert.NoError(t, err)
}

func TestConnectionLostIsSticky(t *testing.T) {
	a, _ := startAgent(t)
	c := dial(t, a)
	a.Close()

	_, err := c.ListClasses(nil)
	assert.ErrorIs(t, err, ErrConnectionLost)
	_, err = c.ClassContent("net.Limits")
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, c.EditField("net.Limits", "MaxConns", "1"), ErrConnectionLost)
}

func TestUnexpectedMessageDropsConnection(t *testing.T) {
	server, conn := net.Pipe()
	c := NewSocketClient(conn)
	go func() {
		fr := api.NewFrameReader(server)
		fr.Next()
		api.WriteMessage(server, &api.ProgressUpdate{Percent: 50})
	}()

	_, err := c.ClassContent("x")
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorContains(t, err, "unexpected")
	server.Close()
}

func TestConcurrentCallersQueue(t *testing.T) {
	a, _ := startAgent(t)
	c := dial(t, a)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := c.ListClasses(nil)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := c.ClassContent("net.Limits")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestDialGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, agentConfig(t))
	assert.Error(t, err)
}

func TestDialWaitsForAgent(t *testing.T) {
	cfg := agentConfig(t)
	started := make(chan *agent.Agent, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		a, _ := agent.Start(cfg.String(), agent.NewRegistry())
		started <- a
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if a := <-started; a != nil {
		defer a.Close()
	}
	require.NoError(t, err)
	defer c.Close()
	_, err = c.ListClasses(nil)
	assert.NoError(t, err)
}
