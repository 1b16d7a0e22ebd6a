package config

// reserved top-level keys in a job config file are never decoded as job
// definitions.
const (
	KeyRuntime     = "saltpeter_config"
	KeyMaintenance = "saltpeter_maintenance"
)

// RuntimeConfig is the saltpeter_config top-level key. On a config
// reload the loader takes new values of the live fields into its
// snapshot, while the restart-required fields keep the values from the
// first load and a change to them is logged as needing a restart.
// saltpeterd reads RuntimeConfig once at startup, so a reloaded live
// value shows up in the loader's snapshot but is not re-applied to the
// bus, dispatcher or log sink already built from the startup values.
type RuntimeConfig struct {
	// Restart-required.
	APIPort     int    `mapstructure:"api_port"`
	APIBind     string `mapstructure:"api_bind"`
	ChannelPort int    `mapstructure:"channel_port"`
	ChannelBind string `mapstructure:"channel_bind"`

	// Live.
	AgentPath     string `mapstructure:"agent_path"`
	AgentLogLevel string `mapstructure:"agent_log_level"`
	AgentLogDir   string `mapstructure:"agent_log_dir"`
	LogDir        string `mapstructure:"log_dir"`
	Verbose       bool   `mapstructure:"verbose"`
}

// Defaults returns the RuntimeConfig used when no saltpeter_config key is
// present in the loaded directory at all.
func Defaults() RuntimeConfig {
	return RuntimeConfig{
		APIPort:       7350,
		APIBind:       "0.0.0.0",
		ChannelPort:   7351,
		ChannelBind:   "0.0.0.0",
		AgentPath:     "/usr/local/bin/spagent",
		AgentLogLevel: "info",
		AgentLogDir:   "/var/log/saltpeter/agent",
		LogDir:        "/var/log/saltpeter",
		Verbose:       false,
	}
}

// RestartRequiredDiff reports which restart-required fields differ
// between the currently bound config (r) and a freshly loaded one (next).
func (r RuntimeConfig) RestartRequiredDiff(next RuntimeConfig) []string {
	var changed []string
	if r.APIPort != next.APIPort {
		changed = append(changed, "api_port")
	}
	if r.APIBind != next.APIBind {
		changed = append(changed, "api_bind")
	}
	if r.ChannelPort != next.ChannelPort {
		changed = append(changed, "channel_port")
	}
	if r.ChannelBind != next.ChannelBind {
		changed = append(changed, "channel_bind")
	}
	return changed
}

// ApplyLive copies only the fields that take effect without a restart
// from next into r.
func (r *RuntimeConfig) ApplyLive(next RuntimeConfig) {
	r.AgentPath = next.AgentPath
	r.AgentLogLevel = next.AgentLogLevel
	r.AgentLogDir = next.AgentLogDir
	r.LogDir = next.LogDir
	r.Verbose = next.Verbose
}
