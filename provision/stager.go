// Package provision materializes the injectable agent payload on local
// storage so a target process can load it from a path.
package provision

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
)

// StagingError means the payload could not be materialized. It is fatal for
// the attach that needed it and for nothing else.
type StagingError struct {
	Key string
	Err error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging agent payload %s: %v", e.Key, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}

// Recorder observes staging outcomes. metrics.Metrics satisfies it.
type Recorder interface {
	ObserveStaging(outcome string)
}

// Stager copies payloads from Source into Dir. A copy is reused while its
// SHA-256 matches the source.
type Stager struct {
	Source  fs.FS
	Dir     string
	LogFile string
	Metrics Recorder

	mu       sync.Mutex
	initOnce sync.Once
}

func NewStager(source fs.FS, dir, logFile string) *Stager {
	return &Stager{Source: source, Dir: dir, LogFile: logFile}
}

// Init runs the once-per-process lifecycle step: the agent log of a previous
// run is removed so it cannot grow without bound.
func (s *Stager) Init() {
	s.initOnce.Do(func() {
		if s.LogFile == "" {
			return
		}
		err := os.Remove(s.LogFile)
		switch {
		case err == nil:
			glog.V(1).Infof("removed previous agent log %s", s.LogFile)
		case !errors.Is(err, fs.ErrNotExist):
			glog.Warningf("could not remove previous agent log %s: %v", s.LogFile, err)
		}
	})
}

// EnsureStaged returns the local path of the payload named key, extracting
// it first unless a valid copy is already in place.
func (s *Stager) EnsureStaged(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, fresh, err := s.stage(key)
	if err != nil {
		s.observe("error")
		return "", &StagingError{Key: key, Err: err}
	}
	if fresh {
		s.observe("written")
		glog.Infof("staged agent payload %s at %s", key, p)
	} else {
		s.observe("reused")
		glog.V(1).Infof("agent payload %s already staged at %s", key, p)
	}
	return p, nil
}

func (s *Stager) observe(outcome string) {
	if s.Metrics != nil {
		s.Metrics.ObserveStaging(outcome)
	}
}

func (s *Stager) stage(key string) (string, bool, error) {
	if s.Source == nil {
		return "", false, errors.New("no payload source configured")
	}
	if !fs.ValidPath(key) || key == "." {
		return "", false, fmt.Errorf("invalid payload key %q", key)
	}

	want, err := digestFS(s.Source, key)
	if err != nil {
		return "", false, err
	}

	dst := filepath.Join(s.Dir, filepath.FromSlash(key))
	if have, err := digestFile(dst); err == nil && have == want {
		return dst, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", false, err
	}
	if err := s.extract(key, dst); err != nil {
		return "", false, err
	}

	have, err := digestFile(dst)
	if err != nil {
		return "", false, err
	}
	if have != want {
		os.Remove(dst)
		return "", false, fmt.Errorf("staged copy of %s is corrupt", key)
	}
	return dst, true, nil
}

func (s *Stager) extract(key, dst string) error {
	src, err := s.Source.Open(key)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+path.Base(key)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

type digest [sha256.Size]byte

func digestFS(fsys fs.FS, name string) (digest, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return digest{}, err
	}
	defer f.Close()
	return digestReader(f)
}

func digestFile(name string) (digest, error) {
	f, err := os.Open(name)
	if err != nil {
		return digest{}, err
	}
	defer f.Close()
	return digestReader(f)
}

func digestReader(r io.Reader) (digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return digest{}, err
	}
	var d digest
	copy(d[:], h.Sum(nil))
	return d, nil
}
