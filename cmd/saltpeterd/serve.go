package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odpf/salt/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/odpf/saltpeter/api"
	"github.com/odpf/saltpeter/bus"
	"github.com/odpf/saltpeter/channel"
	"github.com/odpf/saltpeter/config"
	"github.com/odpf/saltpeter/core/state"
	"github.com/odpf/saltpeter/dispatch"
	"github.com/odpf/saltpeter/monitor"
	"github.com/odpf/saltpeter/scheduler"
)

const httpShutdownGrace = 5 * time.Second

type serveCommand struct {
	configDir string
	busKind   string
	roster    []string
	logLevel  string
}

func newServeCommand() *cobra.Command {
	serve := &serveCommand{busKind: "local"}

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the scheduling daemon",
		Example: "saltpeterd serve --config-dir ./jobs",
		RunE:    serve.RunE,
	}
	cmd.Flags().StringVarP(&serve.configDir, "config-dir", "c", "./jobs", "directory of job definition YAML files")
	cmd.Flags().StringVar(&serve.busKind, "bus", serve.busKind, "remote-execution bus to use: local or salt")
	cmd.Flags().StringSliceVar(&serve.roster, "roster", nil, "static target roster for the local bus")
	cmd.Flags().StringVar(&serve.logLevel, "log-level", "info", "log level")
	return cmd
}

func (s *serveCommand) RunE(_ *cobra.Command, _ []string) error {
	logger := createLogger(s.logLevel)

	cfg := config.New(s.configDir, afero.NewOsFs(), logger)
	if err := cfg.Start(); err != nil {
		return fmt.Errorf("saltpeterd: start config loader: %w", err)
	}
	defer cfg.Close()

	runtime := cfg.Snapshot().Runtime

	b, err := s.newBus(runtime)
	if err != nil {
		return err
	}

	st := state.New()

	channelURL := fmt.Sprintf("ws://%s:%d/v1/channel", localAddr(runtime.ChannelBind), runtime.ChannelPort)
	dispatcher := dispatch.New(b, st, logger, channelURL)

	sink := monitor.NewFileSink(runtime.LogDir, afero.NewOsFs())
	defer sink.Close()
	mon := monitor.New(st, sink, logger)

	loop := scheduler.New(cfg, st, dispatcher, mon, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	chSrv := channel.New(st, logger)
	chSrv.StartKillPoller()
	defer chSrv.Close()
	chHTTP := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", runtime.ChannelBind, runtime.ChannelPort),
		Handler: chSrv,
	}
	go serveOrDie(chHTTP, "channel", logger)
	defer shutdown(chHTTP, logger)

	apiSrv := api.New(st, logger)
	apiHTTP := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", runtime.APIBind, runtime.APIPort),
		Handler: apiSrv,
	}
	go serveOrDie(apiHTTP, "api", logger)
	defer shutdown(apiHTTP, logger)

	logger.Info("saltpeterd: running", "api_port", runtime.APIPort, "channel_port", runtime.ChannelPort)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info("saltpeterd: shutting down")
	return nil
}

func (s *serveCommand) newBus(runtime config.RuntimeConfig) (bus.Bus, error) {
	switch s.busKind {
	case "local":
		roster := s.roster
		if len(roster) == 0 {
			roster = []string{"localhost"}
		}
		return bus.NewLocal(roster, runtime.AgentPath), nil
	case "salt":
		return &bus.Salt{}, nil
	default:
		return nil, fmt.Errorf("saltpeterd: unknown --bus %q, want local or salt", s.busKind)
	}
}

func serveOrDie(srv *http.Server, name string, logger log.Logger) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("saltpeterd: "+name+" server failed", "err", err)
	}
}

func shutdown(srv *http.Server, logger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("saltpeterd: server shutdown", "err", err)
	}
}

func createLogger(level string) log.Logger {
	return log.NewLogrus(
		log.LogrusWithLevel(level),
		log.LogrusWithWriter(os.Stderr),
	)
}

// localAddr resolves a bind address the channel-server URL can embed;
// a wildcard bind isn't a dialable address, so agents connect back via
// localhost instead.
func localAddr(bind string) string {
	if bind == "" || bind == "0.0.0.0" || bind == "::" {
		return "localhost"
	}
	return bind
}
