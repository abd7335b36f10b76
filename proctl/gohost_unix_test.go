//go:build unix

package proctl

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnt2402/jvm-explorer/agent"
	"github.com/tnt2402/jvm-explorer/api"
)

func TestGoHostEnumerateAndAttach(t *testing.T) {
	dir := t.TempDir()
	inst, err := agent.Install(agent.NewRegistry(), agent.WithRendezvousDir(dir), agent.WithDisplayName("orders-svc"))
	require.NoError(t, err)
	defer inst.Close()

	h := NewGoHost(dir)
	assert.Empty(t, h.PayloadKey())
	pid := os.Getpid()

	targets, err := h.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []api.TargetProcess{{PID: pid, DisplayName: "orders-svc", Runtime: api.RuntimeGo}}, targets)

	props, err := h.Properties(context.Background(), pid)
	require.NoError(t, err)
	assert.NotEmpty(t, props["go.version"])

	port, err := FreePort("127.0.0.1")
	require.NoError(t, err)
	cfg := api.AgentConfig{HostName: "127.0.0.1", Port: port, Identifier: "s1", LogLevel: api.LogInfo}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Attach(ctx, pid, "", cfg.String()))

	conn, err := net.DialTimeout("tcp", cfg.Address(), time.Second)
	require.NoError(t, err)
	conn.Close()
}

func TestGoHostAttachReportsAgentError(t *testing.T) {
	dir := t.TempDir()
	inst, err := agent.Install(agent.NewRegistry(), agent.WithRendezvousDir(dir))
	require.NoError(t, err)
	defer inst.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = NewGoHost(dir).Attach(ctx, os.Getpid(), "", "port=1")
	assert.ErrorContains(t, err, "missing agent argument")
}

func TestGoHostWithoutAgent(t *testing.T) {
	h := NewGoHost(t.TempDir())
	err := h.Attach(context.Background(), os.Getpid(), "", "x")
	assert.ErrorContains(t, err, "has not installed an agent")

	targets, err := NewGoHost("/nonexistent/jvmx").Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestGoHostRemovesStaleMarkers(t *testing.T) {
	dir := t.TempDir()
	rv := api.Rendezvous{Dir: dir}
	const dead = 2147483646
	data, err := json.Marshal(api.Marker{PID: dead, DisplayName: "gone", Runtime: api.RuntimeGo})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rv.MarkerPath(dead), data, 0o600))

	targets, err := NewGoHost(dir).Enumerate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)
	_, err = os.Stat(rv.MarkerPath(dead))
	assert.True(t, os.IsNotExist(err))
}
