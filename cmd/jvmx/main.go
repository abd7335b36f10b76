package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"

	"github.com/tnt2402/jvm-explorer/config"
	"github.com/tnt2402/jvm-explorer/events"
	"github.com/tnt2402/jvm-explorer/metrics"
	"github.com/tnt2402/jvm-explorer/proctl"
	"github.com/tnt2402/jvm-explorer/provision"
	"github.com/tnt2402/jvm-explorer/session"
	"github.com/tnt2402/jvm-explorer/terminal"
)

const version string = "0.1.0"

var (
	configPath  string
	eventsAddr  string
	metricsAddr string
	jsonOutput  bool

	rootCmd = &cobra.Command{
		Use:   "jvmx",
		Short: "Inspect and edit classes of running JVM and Go processes",
		Long: `jvmx lists attachable processes on this host, injects an agent into
one of them and lets you browse its loaded classes and rewrite static fields.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runShell,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog reads its flags from the standard set cobra parsed for us.
			flag.CommandLine.Parse(nil)
		},
	}

	shellCmd = &cobra.Command{
		Use:   "shell",
		Short: "Start the interactive shell (default)",
		Args:  cobra.NoArgs,
		RunE:  runShell,
	}

	targetsCmd = &cobra.Command{
		Use:     "targets",
		Short:   "List attachable processes",
		Aliases: []string{"ps"},
		Args:    cobra.NoArgs,
		RunE:    runTargets,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (default $"+config.FileEnv+")")
	rootCmd.PersistentFlags().StringVar(&eventsAddr, "events-addr", "", "serve session events and commands over websocket at this address")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics at this address")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	targetsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print targets as JSON")

	rootCmd.AddCommand(shellCmd, targetsCmd)
}

func main() {
	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if eventsAddr != "" {
		cfg.EventsAddr = eventsAddr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, nil
}

func newRegistry(cfg *config.Config) *proctl.Registry {
	return proctl.NewRegistry(
		proctl.NewHotspotHost(cfg.HotspotTmpDir, cfg.PayloadKey),
		proctl.NewGoHost(cfg.RendezvousDir),
	)
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), sys.SIGINT, sys.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.AttachTimeout)
	defer cancel()

	targets, err := newRegistry(cfg).ListTargets(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(targets)
	}
	for _, t := range targets {
		fmt.Fprintf(out, "%-8d %-8s %s\n", t.PID, t.Runtime, t.DisplayName)
	}
	return nil
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.AppDir, 0o700); err != nil {
		return fmt.Errorf("creating application directory: %w", err)
	}

	m := metrics.New()
	stager := provision.NewStager(cfg.PayloadSource(), cfg.AppDir, cfg.AgentLogFile())
	stager.Metrics = m
	stager.Init()

	registry := newRegistry(cfg)
	attacher := proctl.NewAttacher(registry, stager, proctl.AttachOptions{
		HostName: cfg.AgentHost,
		LogLevel: cfg.AgentLogLevel,
		LogFile:  cfg.AgentLogFile(),
		Timeout:  cfg.AttachTimeout,
	})

	exec := terminal.NewExecutor()
	manager := session.NewManager(attacher, session.Options{
		Workers:        cfg.Workers,
		ConnectTimeout: cfg.ConnectTimeout,
		Deliver:        exec.Deliver,
		Metrics:        m,
	})
	defer manager.Close()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m)
		defer srv.Close()
	}
	if cfg.EventsAddr != "" {
		ws := events.NewWebsocketServer(cfg.EventsAddr, manager, registry)
		ws.Metrics = m
		if err := ws.Start(); err != nil {
			return err
		}
		defer ws.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "events: %s\n", ws.URL())
	}

	term := terminal.New(manager, registry, exec, filepath.Join(cfg.AppDir, "history"))
	return term.Run()
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		glog.Infof("serving metrics at http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
