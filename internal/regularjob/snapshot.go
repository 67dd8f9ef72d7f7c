package regularjob

import "sort"

// Snapshot returns a copy of every registered job, sorted by id, with the
// scheduler's run counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, s.infoLocked(j))
	}
	closed := s.closed
	s.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })

	loops := s.sup.Counters()
	return Snapshot{
		DurationMultiply: s.cfg.DurationMultiply,
		IDPrefix:         s.cfg.IDPrefix,
		Closed:           closed,
		Jobs:             jobs,
		Runs:             s.runs.Load(),
		Failures:         s.failures.Load(),
		Locked:           s.lockedHits.Load(),
		LoopsActive:      loops.Active,
		LoopsStarted:     loops.Started,
	}
}

// Job returns a copy of id's state.
func (s *Scheduler) Job(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return s.infoLocked(j), true
}
