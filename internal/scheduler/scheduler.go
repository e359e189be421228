// ============================================================================
// Consulta 排程器 - 持久化延遲任務
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 以 WAL + 快照保存延遲任務，到期後交給 worker pool 執行
//
// 協調的組件:
//   - JobManager: 任務狀態（pending 堆 / in_flight / completed / dead / cancelled）
//   - WAL: 每次狀態變更都寫入完整任務
//   - Snapshot: 定期保存狀態並壓縮 WAL
//   - Pool: 固定數量的 worker 執行 handler
//
// 核心循環 (5 個 Goroutine):
//   1. Dispatch Loop    - 取出到期任務交給 worker；未知類型直接停放
//   2. Result Loop      - 完成 / 退避重試 / 停放 / 重新排程
//   3. Timeout Loop     - 執行逾時的任務視為失敗
//   4. Maintenance Loop - 清除保留期已過的任務
//   5. Snapshot Loop    - 快照 + WAL 壓縮
//
// 恢復流程 (EnsureStarted):
//   loadSnapshot → replay WAL (Seq > LastSeq) → in_flight 任務放回 pending
//
// 保證:
//   - at-least-once：任務在 FireAt 之後至少交付一次
//   - 同 key 重複排程會取代待處理任務，不會重複
//   - 所有狀態變更與 WAL 寫入在 s.mu 下依序進行
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/consulta-engine/internal/clock"
	"github.com/ChuLiYu/consulta-engine/internal/jobmanager"
	"github.com/ChuLiYu/consulta-engine/internal/snapshot"
	"github.com/ChuLiYu/consulta-engine/internal/storage/wal"
	"github.com/ChuLiYu/consulta-engine/internal/worker"
	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotStarted 排程器已停止或啟動失敗
	ErrNotStarted = errors.New("scheduler not running")
	// ErrUnknownJobType 沒有對應 handler 的任務類型
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrInvalidSchedule 缺少類型、key、觸發時間或間隔
	ErrInvalidSchedule = errors.New("invalid schedule request")
)

// Metrics receives scheduler counters. *metrics.Collector satisfies it.
type Metrics interface {
	RecordScheduled()
	RecordDispatch()
	RecordCompleted(d time.Duration)
	RecordFailed()
	RecordDead()
	RecordPurged(n int)
	SetRecoveryTime(d time.Duration)
	UpdateQueueStats(pending, inFlight int)
}

type noopMetrics struct{}

func (noopMetrics) RecordScheduled()              {}
func (noopMetrics) RecordDispatch()               {}
func (noopMetrics) RecordCompleted(time.Duration) {}
func (noopMetrics) RecordFailed()                 {}
func (noopMetrics) RecordDead()                   {}
func (noopMetrics) RecordPurged(int)              {}
func (noopMetrics) SetRecoveryTime(time.Duration) {}
func (noopMetrics) UpdateQueueStats(int, int)     {}

// ============================================================================
// 配置
// ============================================================================

// Config 排程器配置
type Config struct {
	Clock    clock.Clock
	Registry *worker.Registry
	Metrics  Metrics

	WorkerCount         int           // Worker 數量 (預設 5)
	TaskTimeout         time.Duration // 單一任務執行上限 (預設 30s)
	Retry               types.RetryPolicy
	CompletedRetention  time.Duration // 完成/取消任務保留期 (預設 24h)
	DeadRetention       time.Duration // 停放任務保留期 (預設 168h)
	SnapshotInterval    time.Duration // 快照間隔 (預設 30s)
	DispatchInterval    time.Duration // 到期檢查間隔 (預設 100ms)
	TimeoutInterval     time.Duration // 逾時檢查間隔 (預設 1s)
	MaintenanceInterval time.Duration // 清除檢查間隔 (預設 1m)
	WALPath             string
	SnapshotPath        string
	BufferSize          int // pool 通道緩衝 (預設 64)
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 5
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.OrDefault()
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
	if c.DeadRetention <= 0 {
		c.DeadRetention = 7 * 24 * time.Hour
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
	if c.TimeoutInterval <= 0 {
		c.TimeoutInterval = time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler is the durable delayed-job scheduler. Construct it once per
// process and share it.
type Scheduler struct {
	cfg      Config
	clock    clock.Clock
	registry *worker.Registry
	metrics  Metrics

	mu   sync.Mutex // 保護 jm 狀態變更 + WAL 寫入順序
	jm   *jobmanager.JobManager
	wal  *wal.WAL
	snap *snapshot.Manager
	pool *worker.Pool
	busy int // 已交給 pool、尚未收到結果的任務數（含逾時後的舊執行）

	lifeMu    sync.Mutex
	started   bool
	stopped   bool
	startErr  error
	startTime time.Time

	stopCh chan struct{}
	wakeCh chan struct{}
	loopWg sync.WaitGroup
}

// New 建立排程器並開啟 WAL；恢復與 worker 在 EnsureStarted 時才啟動
func New(cfg Config) (*Scheduler, error) {
	if cfg.Clock == nil {
		return nil, errors.New("scheduler: clock is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if cfg.WALPath == "" || cfg.SnapshotPath == "" {
		return nil, errors.New("scheduler: wal and snapshot paths are required")
	}
	cfg = cfg.withDefaults()

	w, err := wal.NewWAL(cfg.WALPath, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	return &Scheduler{
		cfg:      cfg,
		clock:    cfg.Clock,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		jm:       jobmanager.NewJobManager(),
		wal:      w,
		snap:     snapshot.NewManager(cfg.SnapshotPath),
		pool:     worker.NewPool(cfg.Registry, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}, nil
}

// EnsureStarted 執行恢復並啟動 worker 與循環；重複呼叫不會重複啟動
//
// 停止後呼叫回傳 ErrNotStarted。第一次啟動失敗的錯誤會被保留並重複回傳。
func (s *Scheduler) EnsureStarted(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.stopped {
		return ErrNotStarted
	}
	if s.started {
		return s.startErr
	}
	s.started = true
	s.startTime = time.Now()

	if err := ctx.Err(); err != nil {
		s.startErr = err
		return err
	}
	if err := s.recover(); err != nil {
		s.startErr = fmt.Errorf("recovery failed: %w", err)
		return s.startErr
	}
	if err := s.pool.Start(s.cfg.WorkerCount); err != nil {
		s.startErr = fmt.Errorf("failed to start worker pool: %w", err)
		return s.startErr
	}

	s.loopWg.Add(5)
	go s.dispatchLoop()
	go s.resultLoop()
	go s.timeoutLoop()
	go s.maintenanceLoop()
	go s.snapshotLoop()

	log.Info("Scheduler started", "workers", s.cfg.WorkerCount, "handlers", len(s.registry.Types()))
	return nil
}

// recover 載入快照並重放 WAL
func (s *Scheduler) recover() error {
	start := time.Now()

	data, err := s.snap.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.jm.Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	s.wal.AdvanceSeq(data.LastSeq)

	replayed := 0
	err = s.wal.Replay(data.LastSeq, func(event wal.Event) error {
		replayed++
		if event.Type == wal.EventPurged {
			s.jm.Forget(event.JobID)
			return nil
		}
		job, err := event.DecodeJob()
		if err != nil {
			return err
		}
		s.jm.Apply(job)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	// 崩潰前執行中的任務結果未知，重新執行
	now := s.clock.Now()
	requeued := 0
	for _, id := range s.jm.InFlightIDs() {
		if s.jm.Superseded(id) {
			s.supersedeLocked(id, now)
			continue
		}
		if err := s.jm.Requeue(id, now); err != nil {
			log.Error("Failed to requeue in-flight job during recovery", "jobID", id, "error", err)
			continue
		}
		s.appendLocked(wal.EventRetried, s.jm.GetJob(id))
		requeued++
	}

	d := time.Since(start)
	s.metrics.SetRecoveryTime(d)
	stats := s.jm.Stats()
	s.metrics.UpdateQueueStats(stats["pending"], stats["in_flight"])
	log.Info("Recovery completed",
		"duration", d,
		"snapshot_jobs", len(data.Jobs),
		"replayed_events", replayed,
		"requeued_jobs", requeued)
	return nil
}

// appendLocked 寫入 WAL；呼叫者必須持有 s.mu
func (s *Scheduler) appendLocked(eventType wal.EventType, job *types.Job) {
	if job == nil {
		return
	}
	force := eventType == wal.EventScheduled || eventType == wal.EventCancelled
	if _, err := s.wal.Append(eventType, *job, force); err != nil {
		log.Error("Failed to append WAL event", "type", eventType, "jobID", job.ID, "error", err)
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// ScheduleOnce 在 fireAt 之後執行一次 jobType
//
// 同 key 已有待處理任務時原地取代（觸發時間、目標、重試策略），不會重複。
// 零值 retry 使用排程器預設策略。
func (s *Scheduler) ScheduleOnce(ctx context.Context, jobType, targetID string, fireAt time.Time, key string, retry types.RetryPolicy) (types.Job, error) {
	if jobType == "" || key == "" || fireAt.IsZero() {
		return types.Job{}, fmt.Errorf("%w: type=%q key=%q fireAt=%v", ErrInvalidSchedule, jobType, key, fireAt)
	}
	return s.schedule(ctx, types.Job{
		Type:     jobType,
		TargetID: targetID,
		Key:      key,
		FireAt:   fireAt.UnixMilli(),
		Retry:    s.retryOrDefault(retry),
	})
}

// ScheduleRecurring 每隔 interval 執行一次 jobType
//
// 第一次在 now + interval 觸發；之後每次結束（無論成功與否）在 結束時間 + interval 再次觸發。
func (s *Scheduler) ScheduleRecurring(ctx context.Context, jobType string, interval time.Duration, key string) (types.Job, error) {
	if jobType == "" || key == "" || interval <= 0 {
		return types.Job{}, fmt.Errorf("%w: type=%q key=%q interval=%v", ErrInvalidSchedule, jobType, key, interval)
	}
	return s.schedule(ctx, types.Job{
		Type:     jobType,
		Key:      key,
		FireAt:   s.clock.Now().Add(interval).UnixMilli(),
		Interval: interval,
		Retry:    s.cfg.Retry,
	})
}

func (s *Scheduler) retryOrDefault(p types.RetryPolicy) types.RetryPolicy {
	if p == (types.RetryPolicy{}) {
		return s.cfg.Retry
	}
	return p.OrDefault()
}

func (s *Scheduler) schedule(ctx context.Context, job types.Job) (types.Job, error) {
	if _, ok := s.registry.Lookup(job.Type); !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	if err := s.EnsureStarted(ctx); err != nil {
		return types.Job{}, err
	}

	s.mu.Lock()
	stored, replaced, err := s.putLocked(job)
	s.mu.Unlock()
	if err != nil {
		return types.Job{}, err
	}

	s.metrics.RecordScheduled()
	log.Debug("Job scheduled",
		"jobID", stored.ID, "type", stored.Type, "key", stored.Key,
		"fireAt", stored.FireTime(), "replaced", replaced)

	if !stored.FireTime().After(s.clock.Now()) {
		s.wake()
	}
	return stored, nil
}

// putLocked 呼叫者必須持有 s.mu
func (s *Scheduler) putLocked(job types.Job) (types.Job, bool, error) {
	job.ID = types.JobID(uuid.NewString())
	stored, replaced, err := s.jm.Put(job, s.clock.Now())
	if err != nil {
		return types.Job{}, false, err
	}
	s.appendLocked(wal.EventScheduled, &stored)
	return stored, replaced, nil
}

// Cancel 取消 key 對應的待處理任務
//
// 回傳 false 表示沒有待處理任務（不存在、已執行中或已結束）；執行中的任務不會被中斷。
func (s *Scheduler) Cancel(ctx context.Context, key string) (bool, error) {
	if err := s.EnsureStarted(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jm.Cancel(key, s.clock.Now())
	if errors.Is(err, jobmanager.ErrJobNotFound) || errors.Is(err, jobmanager.ErrNotPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.appendLocked(wal.EventCancelled, &job)
	log.Debug("Job cancelled", "jobID", job.ID, "key", key)
	return true, nil
}

// Get 取得 key 目前對應的任務；不存在時回傳 jobmanager.ErrJobNotFound
func (s *Scheduler) Get(ctx context.Context, key string) (*types.Job, error) {
	if err := s.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	job := s.jm.GetByKey(key)
	if job == nil {
		return nil, fmt.Errorf("%w: key %s", jobmanager.ErrJobNotFound, key)
	}
	return job, nil
}

// Stats 取得系統狀態
func (s *Scheduler) Stats() map[string]int {
	stats := s.jm.Stats()
	stats["workers"] = s.cfg.WorkerCount
	return stats
}

// Uptime 自啟動以來的時間
func (s *Scheduler) Uptime() time.Duration {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.started {
		return 0
	}
	return time.Since(s.startTime)
}

// Stop 優雅關閉排程器
//
// 關閉順序：
//  1. close(stopCh) → dispatch/timeout/maintenance/snapshot 循環退出
//  2. pool.Stop()   → worker 完成當前任務，resultLoop 隨之退出
//  3. loopWg.Wait() → 確保沒有 goroutine 再存取狀態
//  4. 最後一次快照，關閉 WAL
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return
	}
	s.stopped = true
	running := s.started && s.startErr == nil
	s.lifeMu.Unlock()

	log.Info("Stopping scheduler...")
	close(s.stopCh)

	if running {
		s.pool.Stop()
		s.loopWg.Wait()
		if err := s.takeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}

	if err := s.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err)
	}
	log.Info("Scheduler stopped")
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}
