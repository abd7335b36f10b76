//go:build unix

package api

import "golang.org/x/sys/unix"

// AttachSignal tells a cooperating Go process that <pid>.attach is waiting.
const AttachSignal = unix.SIGUSR2
