// Package job holds the immutable data model for a scheduled job
// definition and the maintenance configuration that can suppress its
// dispatch.
package job

import "fmt"

// TargetType enumerates the bus target-resolution strategies a job
// definition can select.
type TargetType string

const (
	TargetGlob      TargetType = "glob"
	TargetPCRE      TargetType = "pcre"
	TargetList      TargetType = "list"
	TargetGrain     TargetType = "grain"
	TargetGrainPCRE TargetType = "grain_pcre"
	TargetPillar    TargetType = "pillar"
	TargetPillarPCRE TargetType = "pillar_pcre"
	TargetNodegroup TargetType = "nodegroup"
	TargetRange     TargetType = "range"
	TargetCompound  TargetType = "compound"
	TargetIPCIDR    TargetType = "ipcidr"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetGlob, TargetPCRE, TargetList, TargetGrain, TargetGrainPCRE,
		TargetPillar, TargetPillarPCRE, TargetNodegroup, TargetRange,
		TargetCompound, TargetIPCIDR:
		return true
	}
	return false
}

// Schedule holds the six cron-style fields plus year of a job definition. Each
// field defaults to "*" when absent, except Second which defaults to "0".
type Schedule struct {
	Year     string `mapstructure:"year" yaml:"year"`
	Month    string `mapstructure:"month" yaml:"month"`
	DOM      string `mapstructure:"dom" yaml:"dom"`
	DOW      string `mapstructure:"dow" yaml:"dow"`
	Hour     string `mapstructure:"hour" yaml:"hour"`
	Minute   string `mapstructure:"min" yaml:"min"`
	Second   string `mapstructure:"sec" yaml:"sec"`
}

func (s *Schedule) applyDefaults() {
	if s.Year == "" {
		s.Year = "*"
	}
	if s.Month == "" {
		s.Month = "*"
	}
	if s.DOM == "" {
		s.DOM = "*"
	}
	if s.DOW == "" {
		s.DOW = "*"
	}
	if s.Hour == "" {
		s.Hour = "*"
	}
	if s.Minute == "" {
		s.Minute = "*"
	}
	if s.Second == "" {
		s.Second = "0"
	}
}

// Definition is an immutable snapshot of one YAML job entry. BatchSize
// caps how many targets a single dispatch batch launches concurrently.
type Definition struct {
	Name string `mapstructure:"-"`

	Schedule Schedule `mapstructure:",squash"`

	Command   string            `mapstructure:"command"`
	User      string            `mapstructure:"user"`
	Cwd       string            `mapstructure:"cwd"`
	CustomEnv map[string]string `mapstructure:"custom_env"`

	Targets         string     `mapstructure:"targets"`
	TargetType      TargetType `mapstructure:"target_type"`
	NumberOfTargets int        `mapstructure:"number_of_targets"`
	BatchSize       int        `mapstructure:"batch_size"`

	TimeoutSeconds int `mapstructure:"timeout"`

	UseAgent      *bool  `mapstructure:"use_agent"`
	AgentPath     string `mapstructure:"agent_path"`
	AgentLogLevel string `mapstructure:"agent_log_level"`
	AgentLogDir   string `mapstructure:"agent_log_dir"`

	// Unknown preserves top-level keys mapstructure did not recognize.
	Unknown map[string]interface{} `mapstructure:",remain"`
}

// UsesAgent reports whether the dispatcher should run the two-phase agent
// launch protocol (true unless use_agent is explicitly false).
func (d *Definition) UsesAgent() bool {
	return d.UseAgent == nil || *d.UseAgent
}

func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("job definition missing name")
	}
	if d.Command == "" {
		return fmt.Errorf("job %q: command is required", d.Name)
	}
	if d.Targets == "" {
		return fmt.Errorf("job %q: targets is required", d.Name)
	}
	if !d.TargetType.Valid() {
		return fmt.Errorf("job %q: invalid target_type %q", d.Name, d.TargetType)
	}
	d.Schedule.applyDefaults()
	return nil
}

// MaintenanceConfig is the merged saltpeter_maintenance configuration:
// Global suppresses all new dispatches, Machines is subtracted from every
// target set before dispatch.
type MaintenanceConfig struct {
	Global   bool            `mapstructure:"global"`
	Machines map[string]bool `mapstructure:"-"`
}

// Merge unions another maintenance config into this one. Maintenance
// settings are merged across all config files rather than overwritten.
func (m *MaintenanceConfig) Merge(other MaintenanceConfig) {
	if other.Global {
		m.Global = true
	}
	if m.Machines == nil {
		m.Machines = map[string]bool{}
	}
	for machine := range other.Machines {
		m.Machines[machine] = true
	}
}

// FilterTargets removes every machine in the maintenance set from
// targets, preserving order.
func (m *MaintenanceConfig) FilterTargets(targets []string) []string {
	if len(m.Machines) == 0 {
		return targets
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if !m.Machines[t] {
			out = append(out, t)
		}
	}
	return out
}
