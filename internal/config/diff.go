package config

import (
	"reflect"

	logx "jobloop/pkg/logx"
)

// JobsDiff lists job ids by how they changed between two configs.
type JobsDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobsDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffJobs compares job definitions by id, keeping newCfg's order for
// Added/Changed and oldCfg's order for Removed.
func DiffJobs(oldCfg, newCfg *Config) JobsDiff {
	oldJobs := map[string]JobConfig{}
	if oldCfg != nil {
		for _, j := range oldCfg.Jobs {
			oldJobs[j.ID] = j
		}
	}
	newJobs := map[string]struct{}{}
	var d JobsDiff
	if newCfg != nil {
		for _, j := range newCfg.Jobs {
			newJobs[j.ID] = struct{}{}
			prev, ok := oldJobs[j.ID]
			switch {
			case !ok:
				d.Added = append(d.Added, j.ID)
			case !reflect.DeepEqual(prev, j):
				d.Changed = append(d.Changed, j.ID)
			}
		}
	}
	if oldCfg != nil {
		for _, j := range oldCfg.Jobs {
			if _, ok := newJobs[j.ID]; !ok {
				d.Removed = append(d.Removed, j.ID)
			}
		}
	}
	return d
}

// SummarizeConfigChange returns a compact list of changed sections and
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 8)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		// Multiplier and prefix only take effect on restart.
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Float64("scheduler.duration_multiply", newCfg.Scheduler.DurationMultiply))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
	}
	if d := DiffJobs(oldCfg, newCfg); !d.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(d.Added)),
			logx.Int("jobs.removed", len(d.Removed)),
			logx.Int("jobs.changed", len(d.Changed)),
		)
	}
	return changed, attrs
}
