package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/consulta-engine/internal/storage/wal"
	"github.com/ChuLiYu/consulta-engine/internal/worker"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// ============================================================================
// 五個核心循環
// ============================================================================

// dispatchLoop 取出到期任務交給 Worker Pool
func (s *Scheduler) dispatchLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}

		for _, task := range s.claimDue() {
			if err := s.pool.Submit(task); err != nil {
				if !errors.Is(err, worker.ErrPoolClosed) {
					log.Error("Failed to submit task", "jobID", task.Job.ID, "error", err)
				}
				// 留在 in_flight，逾時或恢復時重新執行
				return
			}
			s.metrics.RecordDispatch()
		}
	}
}

// claimDue 將到期任務標記為執行中；沒有 handler 的任務直接停放。
// 只認領閒置 worker 能立即執行的數量，逾時期限才會從開始執行起算。
func (s *Scheduler) claimDue() []worker.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	idle := s.cfg.WorkerCount - s.busy
	if idle <= 0 {
		return nil
	}
	now := s.clock.Now()
	claimed := s.jm.ClaimDue(now, idle, s.cfg.TaskTimeout)
	tasks := make([]worker.Task, 0, len(claimed))
	for i := range claimed {
		job := claimed[i]
		if _, ok := s.registry.Lookup(job.Type); !ok {
			dead, err := s.jm.MarkDead(job.ID, fmt.Sprintf("%v: %s", ErrUnknownJobType, job.Type), now)
			if err == nil {
				s.appendLocked(wal.EventDead, &dead)
				s.metrics.RecordDead()
				log.Warn("Parked job with unknown type", "jobID", job.ID, "type", job.Type)
			}
			continue
		}
		s.appendLocked(wal.EventDispatched, &job)

		timeout := job.Timeout
		if timeout <= 0 {
			timeout = s.cfg.TaskTimeout
		}
		tasks = append(tasks, worker.Task{Job: job, Timeout: timeout})
	}
	s.busy += len(tasks)
	return tasks
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉
func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	for {
		result, err := s.pool.ReceiveResult(context.Background())
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Info("Result loop stopped")
				return
			}
			log.Error("Failed to receive result", "error", err)
			continue
		}
		s.handleResult(result)
	}
}

// handleResult 處理單個任務結果
func (s *Scheduler) handleResult(result worker.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 每個結果都代表一個 worker 空出來
	if s.busy > 0 {
		s.busy--
	}
	defer s.wake()

	// 逾時後已重新派發的舊結果直接忽略
	cur := s.jm.GetJob(result.JobID)
	if cur == nil || cur.Status != types.StatusInFlight || cur.Attempt != result.Job.Attempt {
		log.Debug("Ignoring stale result", "jobID", result.JobID, "attempt", result.Job.Attempt)
		return
	}

	if result.Success {
		done, err := s.jm.MarkCompleted(result.JobID, result.WorkerID, s.clock.Now())
		if err != nil {
			log.Error("Failed to mark completed", "jobID", result.JobID, "error", err)
			return
		}
		s.appendLocked(wal.EventCompleted, &done)
		s.metrics.RecordCompleted(result.Duration)
		log.Debug("Job completed", "jobID", done.ID, "type", done.Type, "duration", result.Duration)
		// 執行期間 key 已重新排程，由新任務負責下一次
		if !s.jm.Superseded(done.ID) {
			s.rearmLocked(*cur, result.Outcome)
		}
		return
	}

	s.failLocked(*cur, result.Error, result.Outcome, wal.EventRetried)
}

// failLocked 失敗處理：可重試則退避，否則停放；呼叫者必須持有 s.mu
func (s *Scheduler) failLocked(job types.Job, cause error, outcome worker.Outcome, retryEvent wal.EventType) {
	now := s.clock.Now()
	if s.jm.Superseded(job.ID) {
		s.supersedeLocked(job.ID, now)
		return
	}
	policy := job.Retry.OrDefault()
	attempt := job.Attempt + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.metrics.RecordFailed()

	permanent := worker.IsPermanent(cause) || errors.Is(cause, worker.ErrNoHandler)
	if permanent || attempt >= policy.MaxAttempts {
		dead, err := s.jm.MarkDead(job.ID, msg, now)
		if err != nil {
			log.Error("Failed to mark dead", "jobID", job.ID, "error", err)
			return
		}
		s.appendLocked(wal.EventDead, &dead)
		s.metrics.RecordDead()
		log.Warn("Job parked",
			"jobID", job.ID, "type", job.Type, "key", job.Key,
			"attempts", attempt, "permanent", permanent, "error", msg)
		s.rearmLocked(job, outcome)
		return
	}

	// 固定間隔任務的重試就是下一次觸發
	next := now.Add(policy.Delay(attempt))
	if job.IsRecurring() {
		next = now.Add(job.Interval)
	}
	retried, err := s.jm.Retry(job.ID, next, msg, now)
	if err != nil {
		log.Error("Failed to retry", "jobID", job.ID, "error", err)
		return
	}
	s.appendLocked(retryEvent, &retried)
	log.Warn("Job failed, retrying",
		"jobID", job.ID, "type", job.Type, "attempt", retried.Attempt,
		"nextFireAt", retried.FireTime(), "error", msg)
}

// supersedeLocked 結束 key 已被重新排程的執行中任務，不重試也不重排
func (s *Scheduler) supersedeLocked(id types.JobID, now time.Time) {
	job, err := s.jm.Supersede(id, now)
	if err != nil {
		log.Error("Failed to supersede job", "jobID", id, "error", err)
		return
	}
	s.appendLocked(wal.EventCancelled, &job)
	log.Info("Dropped superseded job", "jobID", job.ID, "key", job.Key)
}

// rearmLocked 在任務結束後排定下一次：固定間隔任務或 handler 要求的 Rearm
func (s *Scheduler) rearmLocked(job types.Job, outcome worker.Outcome) {
	var next time.Time
	switch {
	case job.IsRecurring():
		next = s.clock.Now().Add(job.Interval)
	case outcome.Rearm != nil && job.Key != "":
		next = *outcome.Rearm
	default:
		return
	}

	stored, _, err := s.putLocked(types.Job{
		Type:     job.Type,
		TargetID: job.TargetID,
		Key:      job.Key,
		Payload:  job.Payload,
		FireAt:   next.UnixMilli(),
		Interval: job.Interval,
		Retry:    job.Retry,
		Timeout:  job.Timeout,
	})
	if err != nil {
		log.Error("Failed to rearm job", "key", job.Key, "error", err)
		return
	}
	s.metrics.RecordScheduled()
	log.Debug("Job rearmed", "jobID", stored.ID, "key", stored.Key, "fireAt", stored.FireTime())
}

// timeoutLoop 將逾時的執行中任務視為失敗
func (s *Scheduler) timeoutLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.TimeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Timeout loop stopped")
			return
		case <-ticker.C:
			s.expireInFlight()
		}
	}
}

func (s *Scheduler) expireInFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jm.ExpiredInFlight(s.clock.Now()) {
		job := s.jm.GetJob(id)
		if job == nil {
			continue
		}
		log.Warn("Job timed out", "jobID", id, "type", job.Type)
		s.failLocked(*job, errors.New("job timed out"), worker.Outcome{}, wal.EventTimeout)
	}
}

// maintenanceLoop 清除保留期已過的任務並更新佇列指標
func (s *Scheduler) maintenanceLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Maintenance loop stopped")
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

func (s *Scheduler) purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	purged := s.jm.Purge(now.Add(-s.cfg.CompletedRetention), now.Add(-s.cfg.DeadRetention))
	for _, id := range purged {
		s.appendLocked(wal.EventPurged, &types.Job{ID: id})
	}
	if len(purged) > 0 {
		s.metrics.RecordPurged(len(purged))
		log.Info("Purged expired jobs", "count", len(purged))
	}
	stats := s.jm.Stats()
	s.metrics.UpdateQueueStats(stats["pending"], stats["in_flight"])
	return len(purged)
}

// snapshotLoop 定期生成快照
func (s *Scheduler) snapshotLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := s.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 寫入快照，再壓縮 WAL（只保留快照之後的事件）
func (s *Scheduler) takeSnapshot() error {
	start := time.Now()

	s.mu.Lock()
	data := s.jm.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()
	s.mu.Unlock()

	if err := s.snap.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := s.wal.Rotate(data.LastSeq); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	log.Debug("Snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs), "lastSeq", data.LastSeq)
	return nil
}
