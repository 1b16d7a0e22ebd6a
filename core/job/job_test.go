package job_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odpf/saltpeter/core/job"
)

func TestDefinition_ValidateAppliesScheduleDefaults(t *testing.T) {
	def := &job.Definition{
		Name:       "backup",
		Command:    "/usr/bin/backup.sh",
		Targets:    "web-*",
		TargetType: job.TargetGlob,
	}
	require.NoError(t, def.Validate())
	assert.Equal(t, "*", def.Schedule.Year)
	assert.Equal(t, "0", def.Schedule.Second)
}

func TestDefinition_ValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		def  job.Definition
	}{
		{"missing name", job.Definition{Command: "x", Targets: "a", TargetType: job.TargetGlob}},
		{"missing command", job.Definition{Name: "backup", Targets: "a", TargetType: job.TargetGlob}},
		{"missing targets", job.Definition{Name: "backup", Command: "x", TargetType: job.TargetGlob}},
		{"invalid target_type", job.Definition{Name: "backup", Command: "x", Targets: "a", TargetType: "bogus"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			def := c.def
			assert.Error(t, def.Validate())
		})
	}
}

func TestDefinition_UsesAgent(t *testing.T) {
	def := &job.Definition{}
	assert.True(t, def.UsesAgent())

	f := false
	def.UseAgent = &f
	assert.False(t, def.UsesAgent())

	tt := true
	def.UseAgent = &tt
	assert.True(t, def.UsesAgent())
}

func TestMaintenanceConfig_MergeUnionsGlobalAndMachines(t *testing.T) {
	m := job.MaintenanceConfig{}
	m.Merge(job.MaintenanceConfig{Machines: map[string]bool{"m1": true}})
	m.Merge(job.MaintenanceConfig{Global: true, Machines: map[string]bool{"m2": true}})

	assert.True(t, m.Global)
	assert.True(t, m.Machines["m1"])
	assert.True(t, m.Machines["m2"])
}

func TestMaintenanceConfig_FilterTargets(t *testing.T) {
	m := job.MaintenanceConfig{Machines: map[string]bool{"m2": true}}
	out := m.FilterTargets([]string{"m1", "m2", "m3"})
	assert.Equal(t, []string{"m1", "m3"}, out)

	empty := job.MaintenanceConfig{}
	assert.Equal(t, []string{"m1", "m2"}, empty.FilterTargets([]string{"m1", "m2"}))
}
