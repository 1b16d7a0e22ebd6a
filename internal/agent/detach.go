package agent

import (
	"os"
	"syscall"
)

// DetachEnvVar is set in the re-exec'd child's environment so it knows
// it is already the detached grandchild and should run the command
// instead of forking again.
const DetachEnvVar = "SALTPETER_AGENT_DETACHED"

// Detach re-execs the current binary as a session leader detached from
// the caller's stdio, then returns immediately in the parent so the
// bus invocation that launched us can report success and move on. It
// is the Go-idiomatic equivalent of the traditional double-fork: Go
// cannot safely fork a multi-threaded process a second time, so a
// re-exec takes the second fork's place, with Setsid on the child's
// SysProcAttr doing the actual process-group escape.
func Detach() (detached bool, err error) {
	if os.Getenv(DetachEnvVar) != "" {
		return true, nil
	}

	self, err := os.Executable()
	if err != nil {
		return false, err
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	defer devnull.Close()

	env := append(os.Environ(), DetachEnvVar+"=1")
	attr := &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	proc, err := os.StartProcess(self, os.Args, attr)
	if err != nil {
		return false, err
	}
	_ = proc.Release()

	return false, nil
}
