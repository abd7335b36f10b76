package proctl

import (
	"context"
	"time"
)

const (
	pollStart = 10 * time.Millisecond
	pollMax   = 250 * time.Millisecond
)

// waitFor calls done with a growing interval until it reports true, fails,
// or ctx ends.
func waitFor(ctx context.Context, done func() (bool, error)) error {
	interval := pollStart
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if interval *= 2; interval > pollMax {
			interval = pollMax
		}
	}
}
