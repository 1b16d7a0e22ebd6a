package config

import (
	"testing"

	"github.com/odpf/salt/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func TestLoader_ParsesJobsAndReserved(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/jobs/backup.yaml", `
saltpeter_config:
  api_port: 9000
  verbose: true
saltpeter_maintenance:
  global: false
  machines: ["m3"]
backup:
  command: "/usr/bin/backup.sh"
  targets: "web*"
  target_type: glob
  timeout: 60
`)

	l := New("/jobs", fs, log.NewNoop())
	require.NoError(t, l.Reload())

	snap := l.Snapshot()
	require.Contains(t, snap.Jobs, "backup")
	assert.Equal(t, "/usr/bin/backup.sh", snap.Jobs["backup"].Command)
	assert.Equal(t, "0", snap.Jobs["backup"].Schedule.Second)
	assert.True(t, snap.Maintenance.Machines["m3"])
	assert.True(t, snap.Runtime.Verbose)
}

func TestLoader_BadFileSkippedKeepsGoodJobs(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/jobs/good.yaml", `
good_job:
  command: "echo hi"
  targets: "*"
  target_type: glob
`)
	writeFile(t, fs, "/jobs/bad.yaml", "not: [valid: yaml")

	l := New("/jobs", fs, log.NewNoop())
	require.NoError(t, l.Reload())

	snap := l.Snapshot()
	assert.Contains(t, snap.Jobs, "good_job")
	assert.NotContains(t, snap.Jobs, "bad")
}

func TestLoader_InvalidJobDefinitionSkipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/jobs/x.yaml", `
missing_command:
  targets: "*"
  target_type: glob
`)

	l := New("/jobs", fs, log.NewNoop())
	require.NoError(t, l.Reload())

	snap := l.Snapshot()
	assert.NotContains(t, snap.Jobs, "missing_command")
}

func TestLoader_RestartRequiredFieldsPreservedAcrossReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/jobs/config.yaml", `
saltpeter_config:
  api_port: 9000
`)
	l := New("/jobs", fs, log.NewNoop())
	require.NoError(t, l.Reload())
	assert.Equal(t, 9000, l.Snapshot().Runtime.APIPort)

	writeFile(t, fs, "/jobs/config.yaml", `
saltpeter_config:
  api_port: 9999
`)
	require.NoError(t, l.Reload())
	// restart-required field must not change on a live reload
	assert.Equal(t, 9000, l.Snapshot().Runtime.APIPort)
}

func TestLoader_MaintenanceMergedAcrossFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/jobs/a.yaml", `
saltpeter_maintenance:
  machines: ["m1"]
`)
	writeFile(t, fs, "/jobs/b.yaml", `
saltpeter_maintenance:
  global: true
  machines: ["m2"]
`)
	l := New("/jobs", fs, log.NewNoop())
	require.NoError(t, l.Reload())

	snap := l.Snapshot()
	assert.True(t, snap.Maintenance.Global)
	assert.True(t, snap.Maintenance.Machines["m1"])
	assert.True(t, snap.Maintenance.Machines["m2"])
}

func TestLoader_DeprecatedTimeoutKeysParsedButIgnored(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/jobs/backup.yaml", `
backup:
  command: "/usr/bin/backup.sh"
  targets: "*"
  target_type: glob
  timeout: 60
  soft_timeout: 30
  hard_timeout: 90
`)

	l := New("/jobs", fs, log.NewNoop())
	require.NoError(t, l.Reload())

	def := l.Snapshot().Jobs["backup"]
	require.NotNil(t, def)
	assert.Equal(t, 60, def.TimeoutSeconds)
	assert.Contains(t, def.Unknown, "soft_timeout")
	assert.Contains(t, def.Unknown, "hard_timeout")
	assert.True(t, l.warnedDeprecated["backup/soft_timeout"])
	assert.True(t, l.warnedDeprecated["backup/hard_timeout"])

	// reloading again must not re-warn; the set stays exactly the two keys.
	require.NoError(t, l.Reload())
	assert.Len(t, l.warnedDeprecated, 2)
}
