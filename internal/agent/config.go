// Package agent implements the remote-side process that actually runs a
// job's command: it detaches from whatever launched it, execs the
// command, and streams output/heartbeats/completion back over the
// channel protocol, reconnecting and replaying on its own whenever the
// connection drops.
package agent

import (
	"fmt"
	"os"
	"strconv"
)

// Config is read exclusively from environment variables — the agent
// never accepts its settings as command-line arguments, so nothing
// sensitive shows up in a process listing.
type Config struct {
	WebsocketURL string
	JobName      string
	JobInstance  string
	Command      string

	MachineID string
	Cwd       string
	User      string
	Timeout   int // seconds, 0 means no agent-enforced timeout

	LogLevel string
	LogDir   string

	OutputIntervalMS int
	OutputMaxSizeKB  int
}

const (
	defaultOutputIntervalMS = 1000
	defaultOutputMaxSizeKB  = 1024
)

// ConfigFromEnv reads and validates the agent's configuration from the
// process environment, the only place it is allowed to come from.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		WebsocketURL: os.Getenv("SP_WEBSOCKET_URL"),
		JobName:      os.Getenv("SP_JOB_NAME"),
		JobInstance:  os.Getenv("SP_JOB_INSTANCE"),
		Command:      os.Getenv("SP_COMMAND"),
		MachineID:    os.Getenv("SP_MACHINE_ID"),
		Cwd:          os.Getenv("SP_CWD"),
		User:         os.Getenv("SP_USER"),
		LogLevel:     os.Getenv("SP_LOG_LEVEL"),
		LogDir:       os.Getenv("SP_LOG_DIR"),
	}

	if cfg.WebsocketURL == "" {
		return Config{}, fmt.Errorf("agent: SP_WEBSOCKET_URL not set")
	}
	if cfg.JobName == "" {
		return Config{}, fmt.Errorf("agent: SP_JOB_NAME not set")
	}
	if cfg.JobInstance == "" {
		return Config{}, fmt.Errorf("agent: SP_JOB_INSTANCE not set")
	}
	if cfg.Command == "" {
		return Config{}, fmt.Errorf("agent: SP_COMMAND not set")
	}

	if cfg.MachineID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.MachineID = host
		}
	}

	if v := os.Getenv("SP_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("agent: invalid SP_TIMEOUT %q: %w", v, err)
		}
		cfg.Timeout = n
	}

	cfg.OutputIntervalMS = defaultOutputIntervalMS
	if v := os.Getenv("SP_OUTPUT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OutputIntervalMS = n
		}
	}
	cfg.OutputMaxSizeKB = defaultOutputMaxSizeKB
	if v := os.Getenv("SP_OUTPUT_MAX_SIZE_KB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OutputMaxSizeKB = n
		}
	}

	return cfg, nil
}
