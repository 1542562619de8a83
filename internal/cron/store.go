package cron

import (
	"fmt"
	"sort"

	"github.com/lemonhq/lemongate/internal/store"
)

// Store is a thin facade over the KV store for cron_jobs and cron_runs.
type Store struct {
	kv store.Store
}

// NewStore wraps a KV backend.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

// SaveJob upserts a job record.
func (s *Store) SaveJob(j *Job) error {
	return s.kv.Put(store.TableCronJobs, j.ID, JobToMap(j))
}

// GetJob loads one job, reporting presence.
func (s *Store) GetJob(id string) (*Job, bool, error) {
	m, ok, err := s.kv.Get(store.TableCronJobs, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	j, err := JobFromMap(m)
	if err != nil {
		return nil, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, true, nil
}

// DeleteJob removes a job record.
func (s *Store) DeleteJob(id string) error {
	return s.kv.Delete(store.TableCronJobs, id)
}

// ListJobs returns all jobs sorted by created_at_ms descending.
func (s *Store) ListJobs() ([]*Job, error) {
	entries, err := s.kv.List(store.TableCronJobs)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		j, err := JobFromMap(e.Value)
		if err != nil {
			return nil, fmt.Errorf("decode job %s: %w", e.Key, err)
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAtMs > jobs[k].CreatedAtMs })
	return jobs, nil
}

// ListEnabled returns enabled jobs, newest first.
func (s *Store) ListEnabled() ([]*Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListDue returns enabled jobs whose next fire instant has passed.
func (s *Store) ListDue(nowMs int64) ([]*Job, error) {
	jobs, err := s.ListEnabled()
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.NextRunAtMs != nil && *j.NextRunAtMs <= nowMs {
			out = append(out, j)
		}
	}
	return out, nil
}

// SaveRun upserts a run record.
func (s *Store) SaveRun(r *Run) error {
	return s.kv.Put(store.TableCronRuns, r.ID, RunToMap(r))
}

// GetRun loads one run.
func (s *Store) GetRun(id string) (*Run, bool, error) {
	m, ok, err := s.kv.Get(store.TableCronRuns, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	r, err := RunFromMap(m)
	if err != nil {
		return nil, false, fmt.Errorf("decode run %s: %w", id, err)
	}
	return r, true, nil
}

// RunQuery filters run listings. Filters compose; Limit is applied last.
type RunQuery struct {
	Limit   int
	Status  string
	SinceMs int64
}

func (s *Store) loadRuns() ([]*Run, error) {
	entries, err := s.kv.List(store.TableCronRuns)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(entries))
	for _, e := range entries {
		r, err := RunFromMap(e.Value)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", e.Key, err)
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, k int) bool { return runs[i].StartedAtMs > runs[k].StartedAtMs })
	return runs, nil
}

func applyQuery(runs []*Run, q RunQuery) []*Run {
	out := make([]*Run, 0, len(runs))
	for _, r := range runs {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.SinceMs > 0 && r.StartedAtMs < q.SinceMs {
			continue
		}
		out = append(out, r)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ListRuns returns runs of one job, newest first.
func (s *Store) ListRuns(jobID string, q RunQuery) ([]*Run, error) {
	runs, err := s.loadRuns()
	if err != nil {
		return nil, err
	}
	byJob := runs[:0]
	for _, r := range runs {
		if r.JobID == jobID {
			byJob = append(byJob, r)
		}
	}
	return applyQuery(byJob, q), nil
}

// ListAllRuns returns runs across all jobs, newest first.
func (s *Store) ListAllRuns(q RunQuery) ([]*Run, error) {
	runs, err := s.loadRuns()
	if err != nil {
		return nil, err
	}
	return applyQuery(runs, q), nil
}

// ActiveRuns returns the pending/running runs of a job.
func (s *Store) ActiveRuns(jobID string) ([]*Run, error) {
	runs, err := s.ListRuns(jobID, RunQuery{})
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, r := range runs {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out, nil
}

// CleanupOldRuns prunes run history down to keepPerJob newest runs per job.
// Returns the number of deleted records.
func (s *Store) CleanupOldRuns(keepPerJob int) (int, error) {
	runs, err := s.loadRuns()
	if err != nil {
		return 0, err
	}
	perJob := make(map[string]int)
	deleted := 0
	for _, r := range runs {
		perJob[r.JobID]++
		if perJob[r.JobID] <= keepPerJob {
			continue
		}
		if err := s.kv.Delete(store.TableCronRuns, r.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
