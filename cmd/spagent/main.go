// Command spagent is the remote-side process that actually runs a
// job's command. It is launched by the bus, detaches immediately so
// the bus sees a fast, successful invocation, then streams output and
// heartbeats back to the scheduler over the channel protocol until the
// command completes.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/odpf/salt/log"

	"github.com/odpf/saltpeter/internal/agent"
)

func main() {
	detached, err := agent.Detach()
	if err != nil {
		fmt.Fprintln(os.Stderr, "spagent: detach failed:", err)
		os.Exit(255)
	}
	if !detached {
		fmt.Println("spagent started")
		os.Exit(0)
	}

	cfg, err := agent.ConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "spagent:", err)
		os.Exit(255)
	}

	logger := newLogger(cfg)
	runner := agent.NewRunner(cfg, logger)
	os.Exit(runner.Run())
}

func newLogger(cfg agent.Config) log.Logger {
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}

	writer := io.Writer(os.Stderr)
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
			path := filepath.Join(cfg.LogDir, cfg.JobInstance+".log")
			if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				writer = f
			}
		}
	}

	return log.NewLogrus(
		log.LogrusWithLevel(level),
		log.LogrusWithWriter(writer),
	)
}
