package api

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cooperating Go processes advertise themselves and receive attach requests
// through files in a rendezvous directory shared with the controller:
//
//	<dir>/<pid>.json    marker written by the target
//	<dir>/<pid>.attach  agent arguments written by the controller
//	<dir>/<pid>.result  "ok" or an error message written by the target
type Rendezvous struct {
	Dir string
}

// DefaultRendezvousDir is used when no directory is configured.
func DefaultRendezvousDir() string {
	return filepath.Join(os.TempDir(), "jvmx")
}

// Marker is the content of <pid>.json.
type Marker struct {
	PID         int               `json:"pid"`
	DisplayName string            `json:"displayName"`
	Runtime     string            `json:"runtime"`
	Properties  map[string]string `json:"properties,omitempty"`
}

func (r Rendezvous) MarkerPath(pid int) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%d.json", pid))
}

func (r Rendezvous) AttachPath(pid int) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%d.attach", pid))
}

func (r Rendezvous) ResultPath(pid int) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%d.result", pid))
}

// MarkerPID extracts the pid from a marker file name, or returns false.
func MarkerPID(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(base)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// AttachResultOK is written to <pid>.result when the agent started.
const AttachResultOK = "ok"
