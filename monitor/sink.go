package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

const osAppendCreate = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// FileSink appends one JSON record per line to {dir}/{job_name}.log,
// matching the per-job append-only log format every job instance leaves
// behind.
type FileSink struct {
	dir string
	fs  afero.Fs

	mu    sync.Mutex
	files map[string]afero.File
}

func NewFileSink(dir string, fs afero.Fs) *FileSink {
	return &FileSink{dir: dir, fs: fs, files: map[string]afero.File{}}
}

func (s *FileSink) Write(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[record.JobName]
	if !ok {
		path := filepath.Join(s.dir, record.JobName+".log")
		var err error
		f, err = s.fs.OpenFile(path, osAppendCreate, 0o644)
		if err != nil {
			return fmt.Errorf("monitor: cannot open log file for job %q: %w", record.JobName, err)
		}
		s.files[record.JobName] = f
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("monitor: cannot marshal record for job %q: %w", record.JobName, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("monitor: cannot write record for job %q: %w", record.JobName, err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
