// Package idgen generates job instance identifiers and connection keys.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

var counter uint64

// NextJobInstanceID returns job_name suffixed with a process-wide
// monotonically increasing integer, matching the "{job_name}_{n}" shape
// the agent channel protocol and output log files key on.
func NextJobInstanceID(jobName string) string {
	n := atomic.AddUint64(&counter, 1)
	return fmt.Sprintf("%s_%d", jobName, n)
}

// NewUUID returns a random v4 UUID string, used for channel connection
// tokens that do not need to be human-readable.
func NewUUID() string {
	return uuid.New().String()
}

// ConnectionKey identifies one agent channel connection by the pair it is
// addressed by: the instance it is reporting on, and the machine it runs
// on. A machine can run multiple job instances concurrently and a job
// instance spans many machines, so neither alone is unique.
func ConnectionKey(jobInstanceID, machine string) string {
	return jobInstanceID + "@" + machine
}
