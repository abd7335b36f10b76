//go:build unix

package proctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/glog"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/tnt2402/jvm-explorer/api"
)

// HotspotHost enumerates HotSpot VMs through their perf data files and loads
// the java agent payload over the dynamic attach socket.
type HotspotHost struct {
	TmpDir  string
	ProcDir string
	// PayloadKeyName is the staged payload loaded through the instrument library.
	PayloadKeyName string
}

func NewHotspotHost(tmpDir, payloadKey string) *HotspotHost {
	if tmpDir == "" {
		tmpDir = "/tmp"
	}
	return &HotspotHost{TmpDir: tmpDir, ProcDir: "/proc", PayloadKeyName: payloadKey}
}

func (*HotspotHost) Runtime() string { return api.RuntimeHotspot }

func (h *HotspotHost) PayloadKey() string { return h.PayloadKeyName }

func (h *HotspotHost) Enumerate(ctx context.Context) ([]api.TargetProcess, error) {
	files, err := filepath.Glob(filepath.Join(h.TmpDir, "hsperfdata_*", "*"))
	if err != nil {
		return nil, err
	}

	seen := map[int]bool{}
	var targets []api.TargetProcess
	for _, f := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pid, err := strconv.Atoi(filepath.Base(f))
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		if !processAlive(pid) {
			glog.V(2).Infof("ignoring perf data of exited vm %d", pid)
			continue
		}
		targets = append(targets, api.TargetProcess{
			PID:         pid,
			DisplayName: hotspotDisplayName(pid, h.cmdline(pid)),
			Runtime:     api.RuntimeHotspot,
		})
	}
	return targets, nil
}

func (h *HotspotHost) cmdline(pid int) []string {
	pfs, err := procfs.NewFS(h.ProcDir)
	if err != nil {
		return nil
	}
	p, err := pfs.Proc(pid)
	if err != nil {
		return nil
	}
	argv, err := p.CmdLine()
	if err != nil {
		glog.V(2).Infof("reading command line of %d: %v", pid, err)
		return nil
	}
	return argv
}

// Attach loads the jar at agentPath through the instrument library.
func (h *HotspotHost) Attach(ctx context.Context, pid int, agentPath, args string) error {
	if agentPath == "" {
		return errors.New("no agent payload to load")
	}
	body, err := h.execute(ctx, pid, "load", "instrument", "false", agentPath+"="+args)
	if err != nil {
		return err
	}
	return checkLoadResult(body)
}

func (h *HotspotHost) Properties(ctx context.Context, pid int) (map[string]string, error) {
	body, err := h.execute(ctx, pid, "properties")
	if err != nil {
		return nil, err
	}
	return parseProperties(body), nil
}

func (h *HotspotHost) execute(ctx context.Context, pid int, cmd string, args ...string) ([]byte, error) {
	req, err := encodeAttachRequest(cmd, args...)
	if err != nil {
		return nil, err
	}
	sock, err := h.ensureListener(ctx, pid)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to attach listener of %d: %w", pid, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	glog.V(2).Infof("sending %s to vm %d", cmd, pid)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("sending %s to %d: %w", cmd, pid, err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("reading %s reply from %d: %w", cmd, pid, err)
	}
	return parseAttachReply(reply)
}

func (h *HotspotHost) socketPath(pid int) string {
	return filepath.Join(h.TmpDir, fmt.Sprintf(".java_pid%d", pid))
}

// ensureListener returns the attach socket of pid, asking the VM to start
// its attach listener first if needed.
func (h *HotspotHost) ensureListener(ctx context.Context, pid int) (string, error) {
	sock := h.socketPath(pid)
	if err := checkSocketOwner(sock); err == nil {
		return sock, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	trigger, err := h.createAttachFile(pid)
	if err != nil {
		return "", err
	}
	defer os.Remove(trigger)

	glog.V(1).Infof("asking vm %d to start its attach listener", pid)
	if err := unix.Kill(pid, unix.SIGQUIT); err != nil {
		return "", fmt.Errorf("signalling %d: %w", pid, err)
	}

	err = waitFor(ctx, func() (bool, error) {
		err := checkSocketOwner(sock)
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, fs.ErrNotExist):
			return false, err
		case !processAlive(pid):
			return false, fmt.Errorf("process %d exited", pid)
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("vm %d did not start its attach listener: %w", pid, err)
	}
	return sock, nil
}

// createAttachFile drops the .attach_pid trigger in the target's working
// directory, or in the temp directory when that is not writable.
func (h *HotspotHost) createAttachFile(pid int) (string, error) {
	name := fmt.Sprintf(".attach_pid%d", pid)
	candidates := []string{
		filepath.Join(h.ProcDir, strconv.Itoa(pid), "cwd", name),
		filepath.Join(h.TmpDir, name),
	}
	var lastErr error
	for _, p := range candidates {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o660)
		if err == nil {
			f.Close()
			return p, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("creating attach trigger for %d: %w", pid, lastErr)
}

// checkSocketOwner accepts only a socket owned by the effective uid.
func checkSocketOwner(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return fmt.Errorf("%s is not a socket", path)
	}
	if euid := os.Geteuid(); int(st.Uid) != euid {
		return fmt.Errorf("%s is owned by uid %d, not %d", path, st.Uid, euid)
	}
	return nil
}
