//go:build unix

// jvmx-demo is a small Go service that can be attached to with jvmx. It
// exposes its settings through the agent registry and reports them on a
// timer, so edits made from the shell show up in its output.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	sys "golang.org/x/sys/unix"

	"github.com/tnt2402/jvm-explorer/agent"
)

type Settings struct {
	Greeting string
	Interval time.Duration
	Verbose  bool
	retries  int
}

type Stats struct {
	Ticks   int64
	Started string
}

func main() {
	var rendezvous string
	flag.StringVar(&rendezvous, "rendezvous", "", "rendezvous directory (default: per-user temp directory)")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	settings := &Settings{Greeting: "hello", Interval: 2 * time.Second, retries: 3}
	stats := &Stats{Started: time.Now().Format(time.RFC3339)}

	reg := agent.NewRegistry()
	if err := reg.RegisterValue(settings); err != nil {
		log.Fatal("register settings", zap.Error(err))
	}
	if err := reg.RegisterValue(stats); err != nil {
		log.Fatal("register stats", zap.Error(err))
	}

	opts := []agent.InstallOption{agent.WithLogger(log), agent.WithDisplayName("jvmx-demo")}
	if rendezvous != "" {
		opts = append(opts, agent.WithRendezvousDir(rendezvous))
	}
	inst, err := agent.Install(reg, opts...)
	if err != nil {
		log.Fatal("install agent", zap.Error(err))
	}
	defer inst.Close()
	log.Info("waiting for jvmx", zap.Int("pid", os.Getpid()))

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT, sys.SIGTERM)
	for {
		interval := settings.Interval
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case <-ch:
			return
		case <-time.After(interval):
		}
		stats.Ticks++
		log.Info(settings.Greeting, zap.Int64("tick", stats.Ticks), zap.Bool("verbose", settings.Verbose), zap.Int("retries", settings.retries))
	}
}
