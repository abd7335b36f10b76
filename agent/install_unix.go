//go:build unix

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tnt2402/jvm-explorer/api"
)

// Installation makes the current process attachable: it advertises the
// process in the rendezvous directory and starts an agent whenever a
// controller drops agent arguments there and signals the process.
type Installation struct {
	rt          Runtime
	rendezvous  api.Rendezvous
	displayName string
	log         *zap.Logger
	pid         int

	signals chan os.Signal
	stop    chan struct{}
	stopped chan struct{}

	mu    sync.Mutex
	agent *Agent
}

type InstallOption func(*Installation)

func WithRendezvousDir(dir string) InstallOption {
	return func(i *Installation) { i.rendezvous.Dir = dir }
}

func WithDisplayName(name string) InstallOption {
	return func(i *Installation) { i.displayName = name }
}

// WithLogger sets the logger used before any agent configuration is known.
func WithLogger(log *zap.Logger) InstallOption {
	return func(i *Installation) { i.log = log }
}

// Install writes the rendezvous marker and starts listening for attach
// signals. Call Close to undo it.
func Install(rt Runtime, opts ...InstallOption) (*Installation, error) {
	i := &Installation{
		rt:          rt,
		rendezvous:  api.Rendezvous{Dir: api.DefaultRendezvousDir()},
		displayName: filepath.Base(os.Args[0]),
		log:         zap.NewNop(),
		pid:         os.Getpid(),
		signals:     make(chan os.Signal, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}

	if err := os.MkdirAll(i.rendezvous.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating rendezvous directory: %w", err)
	}
	if err := i.writeMarker(); err != nil {
		return nil, err
	}

	signal.Notify(i.signals, api.AttachSignal)
	go i.loop()
	i.log.Info("attach rendezvous installed", zap.String("dir", i.rendezvous.Dir), zap.Int("pid", i.pid))
	return i, nil
}

func (i *Installation) writeMarker() error {
	wd, _ := os.Getwd()
	marker := api.Marker{
		PID:         i.pid,
		DisplayName: i.displayName,
		Runtime:     api.RuntimeGo,
		Properties: map[string]string{
			"go.version":   runtime.Version(),
			"os.name":      runtime.GOOS,
			"os.arch":      runtime.GOARCH,
			"user.dir":     wd,
			"command.line": strings.Join(os.Args, " "),
		},
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return writeFileAtomic(i.rendezvous.MarkerPath(i.pid), data)
}

func (i *Installation) loop() {
	defer close(i.stopped)
	for {
		select {
		case <-i.signals:
			i.handleAttach()
		case <-i.stop:
			return
		}
	}
}

func (i *Installation) handleAttach() {
	path := i.rendezvous.AttachPath(i.pid)
	args, err := os.ReadFile(path)
	if err != nil {
		i.log.Warn("attach signal without attach file", zap.Error(err))
		return
	}
	os.Remove(path)

	i.mu.Lock()
	if i.agent != nil {
		i.agent.Close()
		i.agent = nil
	}
	a, err := Start(strings.TrimSpace(string(args)), i.rt)
	if err == nil {
		i.agent = a
	}
	i.mu.Unlock()

	result := api.AttachResultOK
	if err != nil {
		i.log.Error("agent failed to start", zap.Error(err))
		result = err.Error()
	}
	if werr := writeFileAtomic(i.rendezvous.ResultPath(i.pid), []byte(result)); werr != nil {
		i.log.Error("writing attach result failed", zap.Error(werr))
	}
}

// Close stops listening for attach signals, stops any running agent and
// removes the marker.
func (i *Installation) Close() error {
	signal.Stop(i.signals)
	close(i.stop)
	<-i.stopped

	i.mu.Lock()
	if i.agent != nil {
		i.agent.Close()
		i.agent = nil
	}
	i.mu.Unlock()

	err := os.Remove(i.rendezvous.MarkerPath(i.pid))
	if os.IsNotExist(err) {
		err = nil
	}
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
