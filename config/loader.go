// Package config watches a directory of *.yaml job files plus one
// reserved runtime key and one reserved maintenance key, and exposes an
// atomically-swapped snapshot of the decoded result. It never blocks a
// reader behind a writer: Snapshot() always returns the last
// successfully parsed state, even while a reload is in flight or failing.
package config

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/odpf/salt/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/odpf/saltpeter/core/job"
	salterrors "github.com/odpf/saltpeter/internal/errors"
)

// Snapshot is one atomically-visible view of the loaded config
// directory: every job definition, the merged maintenance set, and the
// runtime config currently bound.
type Snapshot struct {
	Jobs        map[string]*job.Definition
	Maintenance job.MaintenanceConfig
	Runtime     RuntimeConfig
}

// maintenanceRaw mirrors MaintenanceConfig's YAML shape (Machines as a
// list) before it is folded into MaintenanceConfig's set representation.
type maintenanceRaw struct {
	Global   bool     `mapstructure:"global"`
	Machines []string `mapstructure:"machines"`
}

// Loader watches dir for *.yaml files and keeps Snapshot() current.
type Loader struct {
	dir    string
	fs     afero.Fs
	logger log.Logger

	snapshot atomic.Value // stores Snapshot

	mu      sync.Mutex // serializes reload() calls
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}

	warnedDeprecated map[string]bool // job+key already warned about, never reset
	bound            bool            // a reload has completed; restart-required fields are now fixed
}

// New constructs a Loader rooted at dir using fs for file access (pass an
// afero.NewOsFs() in production, an afero.NewMemMapFs() in tests).
func New(dir string, fs afero.Fs, logger log.Logger) *Loader {
	l := &Loader{dir: dir, fs: fs, logger: logger, warnedDeprecated: map[string]bool{}}
	l.snapshot.Store(Snapshot{Jobs: map[string]*job.Definition{}, Runtime: Defaults()})
	return l
}

// Snapshot returns the current, fully-decoded view. Safe for concurrent
// use; never blocks.
func (l *Loader) Snapshot() Snapshot {
	return l.snapshot.Load().(Snapshot)
}

// Start performs an initial load and begins watching dir for changes,
// debounced by 200ms so a burst of writes to several files collapses
// into one reload. It returns an error only if the initial load fails
// or the directory cannot be watched — both are fatal at startup per
// the error handling design.
func (l *Loader) Start() error {
	if err := l.Reload(); err != nil {
		return salterrors.Wrap(salterrors.KindConfig, l.dir, "initial load failed", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return salterrors.Wrap(salterrors.KindConfig, l.dir, "cannot create watcher", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return salterrors.Wrap(salterrors.KindConfig, l.dir, "cannot watch directory", err)
	}
	l.watcher = watcher
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go l.watchLoop()
	return nil
}

func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stop)
	<-l.done
	return l.watcher.Close()
}

func (l *Loader) watchLoop() {
	defer close(l.done)
	var debounce *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-l.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yaml") && !strings.HasSuffix(ev.Name, ".yml") {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			if err := l.Reload(); err != nil {
				l.logger.Error("config reload failed, keeping previous snapshot", "error", err)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("config watcher error", "error", err)
		}
	}
}

// Reload re-parses every *.yaml file in dir and, if at least the
// directory itself was readable, atomically swaps in the new snapshot.
// A single bad file is skipped (ConfigError, logged) without discarding
// the jobs already successfully parsed from other files in this pass.
// Job definitions that the skipped file contributed to the previous
// snapshot are not carried over into the new one.
// Exported so callers (and tests) can force a synchronous load without
// starting the directory watcher.
func (l *Loader) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return salterrors.Wrap(salterrors.KindConfig, l.dir, "cannot list directory", err)
	}

	prev := l.Snapshot()
	next := Snapshot{
		Jobs:    map[string]*job.Definition{},
		Runtime: prev.Runtime,
	}
	var maintenance job.MaintenanceConfig
	maintenance.Machines = map[string]bool{}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(l.dir, name)
		raw, err := afero.ReadFile(l.fs, path)
		if err != nil {
			l.logger.Error("config: cannot read file, skipping", "file", path, "error", err)
			continue
		}

		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			l.logger.Error("config: cannot parse yaml, skipping", "file", path, "error", err)
			continue
		}

		for key, value := range doc {
			switch key {
			case KeyRuntime:
				var rt RuntimeConfig
				if err := decode(value, &rt); err != nil {
					l.logger.Error("config: invalid saltpeter_config, skipping key", "file", path, "error", err)
					continue
				}
				next.Runtime = rt
			case KeyMaintenance:
				var raw maintenanceRaw
				if err := decode(value, &raw); err != nil {
					l.logger.Error("config: invalid saltpeter_maintenance, skipping key", "file", path, "error", err)
					continue
				}
				if raw.Global {
					maintenance.Global = true
				}
				for _, m := range raw.Machines {
					maintenance.Machines[m] = true
				}
			default:
				def := &job.Definition{Name: key}
				if err := decode(value, def); err != nil {
					l.logger.Error("config: invalid job definition, skipping", "file", path, "job", key, "error", err)
					continue
				}
				def.Name = key
				if err := def.Validate(); err != nil {
					l.logger.Error("config: job definition failed validation, skipping", "file", path, "job", key, "error", err)
					continue
				}
				l.warnDeprecatedKeysOnce(def)
				next.Jobs[key] = def
			}
		}
	}

	if changed := prev.Runtime.RestartRequiredDiff(next.Runtime); l.bound && len(changed) > 0 {
		l.logger.Warn("config: restart-required settings changed, not applied until next restart", "fields", strings.Join(changed, ","))
		next.Runtime.APIPort = prev.Runtime.APIPort
		next.Runtime.APIBind = prev.Runtime.APIBind
		next.Runtime.ChannelPort = prev.Runtime.ChannelPort
		next.Runtime.ChannelBind = prev.Runtime.ChannelBind
	}

	next.Maintenance = maintenance
	l.snapshot.Store(next)
	l.bound = true
	return nil
}

// deprecatedJobKeys are per-job YAML keys the original implementation
// accepted but this scheduler does not act on; timeout is authoritative
// and these variants are parsed into Definition.Unknown and otherwise
// ignored.
var deprecatedJobKeys = []string{"soft_timeout", "hard_timeout"}

// warnDeprecatedKeysOnce logs once per job+key, the first time a
// deprecated key is seen, rather than on every reload.
func (l *Loader) warnDeprecatedKeysOnce(def *job.Definition) {
	for _, key := range deprecatedJobKeys {
		if _, present := def.Unknown[key]; !present {
			continue
		}
		warnKey := def.Name + "/" + key
		if l.warnedDeprecated[warnKey] {
			continue
		}
		l.warnedDeprecated[warnKey] = true
		l.logger.Warn("config: deprecated job key is parsed but ignored, timeout is authoritative", "job", def.Name, "key", key)
	}
}

func decode(raw interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      false,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
