package config

import (
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// ResolvedJob is a JobConfig with its fields parsed.
type ResolvedJob struct {
	JobConfig
	Interval       time.Duration
	IntervalSource IntervalSource
	Argv           []string
	RunTimeout     time.Duration
}

// Resolve parses and checks a single job definition.
func (j JobConfig) Resolve() (ResolvedJob, error) {
	r := ResolvedJob{JobConfig: j}
	path := "jobs[" + j.ID + "]"
	if strings.TrimSpace(j.ID) == "" {
		return r, errors.New("jobs: id required")
	}
	d, src, err := ParseInterval(j.Every)
	if err != nil {
		return r, errors.Wrapf(err, "%s.every", path)
	}
	r.Interval, r.IntervalSource = d, src

	r.RunTimeout, err = ParseDurationField(path+".timeout", j.Timeout)
	if err != nil {
		return r, err
	}
	if j.StopAfter < 0 {
		return r, errors.Newf("%s.stop_after must be >= 0", path)
	}

	switch strings.ToLower(strings.TrimSpace(j.Action)) {
	case ActionLog, ActionFail:
	case ActionExec:
		argv, err := shellquote.Split(j.Command)
		if err != nil {
			return r, errors.Wrapf(err, "%s.command", path)
		}
		if len(argv) == 0 {
			return r, errors.Newf("%s.command required for exec action", path)
		}
		r.Argv = argv
	case "":
		return r, errors.Newf("%s.action required", path)
	default:
		return r, errors.Newf("%s.action: unknown action %q", path, j.Action)
	}
	return r, nil
}

// ResolveJobs resolves every job and rejects duplicate ids.
func (c *Config) ResolveJobs() ([]ResolvedJob, error) {
	out := make([]ResolvedJob, 0, len(c.Jobs))
	seen := make(map[string]struct{}, len(c.Jobs))
	for _, j := range c.Jobs {
		r, err := j.Resolve()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[j.ID]; dup {
			return nil, errors.Newf("jobs: duplicate id %q", j.ID)
		}
		seen[j.ID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// Validate checks the whole config; it is also the reload validator.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Logging.File.MaxSizeMB < 0 || c.Logging.File.MaxBackups < 0 {
		return errors.New("logging.file: max_size_mb and max_backups must be >= 0")
	}
	if c.Scheduler.DurationMultiply < 0 {
		return errors.New("scheduler.duration_multiply must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout); err != nil {
		return err
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return errors.Newf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if a := c.Admin; a != nil && a.Enabled && strings.TrimSpace(a.Addr) != "" {
		if _, _, err := net.SplitHostPort(a.Addr); err != nil {
			return errors.Wrapf(err, "admin.addr")
		}
	}
	_, err := c.ResolveJobs()
	return err
}
