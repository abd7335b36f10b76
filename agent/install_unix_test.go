//go:build unix

package agent

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tnt2402/jvm-explorer/api"
)

func waitForFile(t *testing.T, path string) string {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s", path)
	return string(data)
}

func TestInstallAdvertisesAndAttaches(t *testing.T) {
	dir := t.TempDir()
	rv := api.Rendezvous{Dir: dir}
	pid := os.Getpid()

	inst, err := Install(NewRegistry(), WithRendezvousDir(dir), WithDisplayName("demo-app"))
	require.NoError(t, err)

	data, err := os.ReadFile(rv.MarkerPath(pid))
	require.NoError(t, err)
	var marker api.Marker
	require.NoError(t, json.Unmarshal(data, &marker))
	assert.Equal(t, pid, marker.PID)
	assert.Equal(t, "demo-app", marker.DisplayName)
	assert.Equal(t, api.RuntimeGo, marker.Runtime)
	assert.NotEmpty(t, marker.Properties["go.version"])

	args := agentArgs(t)
	require.NoError(t, os.WriteFile(rv.AttachPath(pid), []byte(args), 0o600))
	require.NoError(t, unix.Kill(pid, api.AttachSignal))

	assert.Equal(t, api.AttachResultOK, waitForFile(t, rv.ResultPath(pid)))
	_, err = os.Stat(rv.AttachPath(pid))
	assert.True(t, os.IsNotExist(err), "attach file must be consumed")

	cfg, err := api.ParseAgentConfig(args)
	require.NoError(t, err)
	c := dialAddr(t, cfg.Address())
	c.send(&api.ListClassesRequest{})
	assert.Equal(t, &api.ProgressUpdate{Percent: 100}, c.recv())

	require.NoError(t, inst.Close())
	_, err = os.Stat(rv.MarkerPath(pid))
	assert.True(t, os.IsNotExist(err), "marker must be removed")
}

func TestInstallReportsStartFailure(t *testing.T) {
	dir := t.TempDir()
	rv := api.Rendezvous{Dir: dir}
	pid := os.Getpid()

	inst, err := Install(NewRegistry(), WithRendezvousDir(dir))
	require.NoError(t, err)
	defer inst.Close()

	require.NoError(t, os.WriteFile(rv.AttachPath(pid), []byte("hostName=127.0.0.1"), 0o600))
	require.NoError(t, unix.Kill(pid, api.AttachSignal))

	result := waitForFile(t, rv.ResultPath(pid))
	assert.NotEqual(t, api.AttachResultOK, result)
	assert.Contains(t, result, "missing agent argument")
}
