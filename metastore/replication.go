package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

// maxPriority bounds job priorities so the pending key can invert them.
const maxPriority = 999999

func jobKey(id string) string {
	return prefixJob + id
}

// pendingKey orders pending jobs by priority (highest first), then age.
func pendingKey(job *interfaces.ReplicationJob) string {
	prio := job.Priority
	if prio < 0 {
		prio = 0
	}
	if prio > maxPriority {
		prio = maxPriority
	}
	return fmt.Sprintf("%s%06d/%s/%s", prefixPending, maxPriority-prio, timeKey(job.CreatedAt), job.ID)
}

// Enqueue stores job as pending, assigning an ID when it has none.
func (s *Store) Enqueue(ctx context.Context, job *interfaces.ReplicationJob) error {
	now := s.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = interfaces.JobPending

	return s.update(ctx, func(txn *badger.Txn) error {
		if err := putJSON(txn, jobKey(job.ID), job); err != nil {
			return err
		}
		return txn.Set([]byte(pendingKey(job)), []byte(job.ID))
	})
}

// ClaimPending moves up to limit pending jobs to in_progress under agentID.
// Concurrent claims of the same job conflict in badger and are retried, so
// a job is handed to exactly one agent.
func (s *Store) ClaimPending(ctx context.Context, agentID string, limit int) ([]interfaces.ReplicationJob, error) {
	var claimed []interfaces.ReplicationJob
	err := s.update(ctx, func(txn *badger.Txn) error {
		claimed = claimed[:0]

		var keys [][]byte
		var ids []string
		err := scan(txn, prefixPending, "", false, func(key []byte, val []byte) (bool, error) {
			keys = append(keys, key)
			ids = append(ids, string(val))
			return limit <= 0 || len(keys) < limit, nil
		})
		if err != nil {
			return err
		}

		now := s.now()
		for i, id := range ids {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}

			var job interfaces.ReplicationJob
			if err := getJSON(txn, jobKey(id), &job); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if job.Status != interfaces.JobPending {
				continue
			}

			job.Status = interfaces.JobInProgress
			job.AgentID = agentID
			job.UpdatedAt = now
			if err := putJSON(txn, jobKey(id), &job); err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixClaimed+id), []byte(agentID)); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReclaimStale ends claims older than staleBefore, left behind by agents that
// died or failed to record an outcome. Jobs with retries left return to
// pending, the rest are marked failed.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	var reclaimed int
	err := s.update(ctx, func(txn *badger.Txn) error {
		reclaimed = 0

		var ids []string
		err := scan(txn, prefixClaimed, "", false, func(key []byte, _ []byte) (bool, error) {
			ids = append(ids, string(key[len(prefixClaimed):]))
			return true, nil
		})
		if err != nil {
			return err
		}

		now := s.now()
		for _, id := range ids {
			var job interfaces.ReplicationJob
			if err := getJSON(txn, jobKey(id), &job); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if job.Status == interfaces.JobInProgress && !job.UpdatedAt.Before(staleBefore) {
				continue
			}
			if err := txn.Delete([]byte(prefixClaimed + id)); err != nil {
				return err
			}
			if job.Status != interfaces.JobInProgress {
				continue
			}

			job.Error = fmt.Sprintf("claim by %s expired", job.AgentID)
			job.AgentID = ""
			job.UpdatedAt = now
			if job.RetryCount < job.MaxRetries {
				job.RetryCount++
				job.Status = interfaces.JobPending
				if err := txn.Set([]byte(pendingKey(&job)), []byte(job.ID)); err != nil {
					return err
				}
			} else {
				job.Status = interfaces.JobFailed
				job.CompletedAt = now
			}
			if err := putJSON(txn, jobKey(id), &job); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

func (s *Store) modifyJob(ctx context.Context, id string, fn func(txn *badger.Txn, job *interfaces.ReplicationJob) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var job interfaces.ReplicationJob
		if err := getJSON(txn, jobKey(id), &job); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return interfaces.ErrJobNotFound
			}
			return err
		}
		if err := fn(txn, &job); err != nil {
			return err
		}
		if job.Status != interfaces.JobInProgress {
			if err := txn.Delete([]byte(prefixClaimed + id)); err != nil {
				return err
			}
		}
		job.UpdatedAt = s.now()
		return putJSON(txn, jobKey(id), &job)
	})
}

// CompleteJob marks the job completed and releases its claim.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.modifyJob(ctx, id, func(_ *badger.Txn, job *interfaces.ReplicationJob) error {
		job.Status = interfaces.JobCompleted
		job.Error = ""
		job.CompletedAt = s.now()
		return nil
	})
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string, requeue bool) error {
	return s.modifyJob(ctx, id, func(txn *badger.Txn, job *interfaces.ReplicationJob) error {
		job.Error = errMsg
		job.AgentID = ""
		if !requeue {
			job.Status = interfaces.JobFailed
			job.CompletedAt = s.now()
			return nil
		}
		job.RetryCount++
		job.Status = interfaces.JobPending
		return txn.Set([]byte(pendingKey(job)), []byte(job.ID))
	})
}

// GetJob returns the job with the given ID, or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*interfaces.ReplicationJob, error) {
	var job interfaces.ReplicationJob
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(id), &job)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) CountJobs(ctx context.Context) (map[interfaces.JobStatus]int, error) {
	counts := map[interfaces.JobStatus]int{
		interfaces.JobPending:    0,
		interfaces.JobInProgress: 0,
		interfaces.JobCompleted:  0,
		interfaces.JobFailed:     0,
	}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixJob, "", false, func(_ []byte, val []byte) (bool, error) {
			var job interfaces.ReplicationJob
			if err := json.Unmarshal(val, &job); err != nil {
				return false, err
			}
			counts[job.Status]++
			return true, nil
		})
	})
	return counts, err
}
