package schedule

import (
	"testing"
	"time"

	"github.com/odpf/saltpeter/core/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, s job.Schedule) *Matcher {
	m, err := Compile(s)
	require.NoError(t, err)
	return m
}

func TestMatcher_Wildcard(t *testing.T) {
	m := mustCompile(t, job.Schedule{Year: "*", Month: "*", DOM: "*", DOW: "*", Hour: "*", Minute: "*", Second: "*"})
	assert.True(t, m.Matches(time.Date(2026, 8, 3, 12, 30, 0, 0, time.UTC)))
}

func TestMatcher_ExactFields(t *testing.T) {
	m := mustCompile(t, job.Schedule{Year: "2026", Month: "8", DOM: "3", DOW: "*", Hour: "12", Minute: "30", Second: "0"})
	assert.True(t, m.Matches(time.Date(2026, 8, 3, 12, 30, 0, 0, time.UTC)))
	assert.False(t, m.Matches(time.Date(2026, 8, 3, 12, 31, 0, 0, time.UTC)))
	assert.False(t, m.Matches(time.Date(2027, 8, 3, 12, 30, 0, 0, time.UTC)))
}

func TestMatcher_Range(t *testing.T) {
	m := mustCompile(t, job.Schedule{Year: "*", Month: "*", DOM: "*", DOW: "1-5", Hour: "9-17", Minute: "*", Second: "0"})
	assert.True(t, m.Matches(time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)))  // Monday
	assert.False(t, m.Matches(time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC))) // Sunday
	assert.False(t, m.Matches(time.Date(2026, 8, 3, 18, 0, 0, 0, time.UTC)))
}

func TestMatcher_Step(t *testing.T) {
	m := mustCompile(t, job.Schedule{Year: "*", Month: "*", DOM: "*", DOW: "*", Hour: "*", Minute: "*/15", Second: "0"})
	assert.True(t, m.Matches(time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)))
	assert.True(t, m.Matches(time.Date(2026, 8, 3, 12, 15, 0, 0, time.UTC)))
	assert.False(t, m.Matches(time.Date(2026, 8, 3, 12, 16, 0, 0, time.UTC)))
}

func TestMatcher_CommaList(t *testing.T) {
	m := mustCompile(t, job.Schedule{Year: "*", Month: "*", DOM: "*", DOW: "*", Hour: "1,3,5", Minute: "0", Second: "0"})
	assert.True(t, m.Matches(time.Date(2026, 8, 3, 3, 0, 0, 0, time.UTC)))
	assert.False(t, m.Matches(time.Date(2026, 8, 3, 4, 0, 0, 0, time.UTC)))
}

func TestMatcher_Next(t *testing.T) {
	m := mustCompile(t, job.Schedule{Year: "*", Month: "*", DOM: "*", DOW: "*", Hour: "*", Minute: "*/15", Second: "0"})
	from := time.Date(2026, 8, 3, 12, 1, 30, 0, time.UTC)
	next, err := m.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 3, 12, 15, 0, 0, time.UTC), next)
}

func TestMatcher_NextUnsatisfiable(t *testing.T) {
	m := mustCompile(t, job.Schedule{Year: "1970", Month: "*", DOM: "*", DOW: "*", Hour: "*", Minute: "*", Second: "*"})
	_, err := m.Next(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestCompile_InvalidField(t *testing.T) {
	_, err := Compile(job.Schedule{Year: "*", Month: "13", DOM: "*", DOW: "*", Hour: "*", Minute: "*", Second: "*"})
	assert.Error(t, err)
}

func TestCompile_InvalidStep(t *testing.T) {
	_, err := Compile(job.Schedule{Year: "*", Month: "*", DOM: "*", DOW: "*", Hour: "*", Minute: "*/0", Second: "*"})
	assert.Error(t, err)
}
