package config

// Config is the jobloop daemon configuration (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Admin     *AdminConfig    `json:"admin,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// SchedulerConfig controls the job scheduler.
//
// Defaults (when fields are omitted/zero):
//   - duration_multiply: 1
//   - id_prefix: "JOB-"
//   - shutdown_timeout: "10s"
type SchedulerConfig struct {
	// DurationMultiply scales every job interval (e.g. 0.5 halves all of them).
	DurationMultiply float64 `json:"duration_multiply,omitempty"`
	IDPrefix         string  `json:"id_prefix,omitempty"`
	// ShutdownTimeout is a Go duration string bounding the wait for running jobs on exit.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig controls the optional event journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/jobloop" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AdminConfig controls the optional admin HTTP endpoint.
// A non-loopback Addr requires Token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:7070
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// Job actions.
const (
	ActionLog  = "log"
	ActionExec = "exec"
	ActionFail = "fail"
)

// JobConfig declares one recurring job.
type JobConfig struct {
	// ID is the scheduler id; it must be unique within the file.
	ID string `json:"id"`
	// Every accepts a Go duration ("30s"), HH:MM ("01:30") or a fixed-period
	// cron spec ("@every 5m", "@hourly", "*/10 * * * *").
	Every          string `json:"every"`
	RunImmediately bool   `json:"run_immediately,omitempty"`
	Action         string `json:"action"`

	// log / fail
	Message string `json:"message,omitempty"`

	// exec
	Command string `json:"command,omitempty"`
	// Timeout is a Go duration string; "0s" or empty means no per-run timeout.
	Timeout string `json:"timeout,omitempty"`

	// StopAfter stops the job from inside its callback after N runs (0 = never).
	StopAfter int `json:"stop_after,omitempty"`
}
