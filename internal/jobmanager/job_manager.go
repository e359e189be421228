// ============================================================================
// Consulta 任務管理器 - 延遲任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理延遲任務的完整生命週期和狀態轉換
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. pending 最小堆 - 依 FireAt 排序，取出到期任務為 O(log n)
//   3. byKey 索引 - idempotency key → 最新的任務 ID
//   4. 狀態索引 - inFlight/completed/dead/cancelled maps 提供快速查詢
//
// 任務狀態轉換 (State Machine):
//
//   Pending ──ClaimDue()──► InFlight ──MarkCompleted()──► Completed
//      ▲                       │
//      └──────Retry()──────────┤
//                              └──MarkDead()──► Dead (停放)
//   Pending ──Cancel(key)──► Cancelled
//   InFlight ──Supersede()──► Cancelled（key 已指向較新任務）
//
// Key 取代規則 (Put):
//   - 同 key 的任務仍在 Pending：原地更新（保留 ID），不產生重複
//   - 同 key 的任務在 InFlight 或已結束：建立新的 Pending 任務，key 指向新任務
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 回傳值一律為副本，呼叫端修改不影響內部狀態
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不在執行中狀態
	ErrNotInFlight = errors.New("job not in flight")
	// 任務不在待處理狀態
	ErrNotPending = errors.New("job not pending")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
)

// SchemaVersion 快照格式版本
const SchemaVersion = 2

// ============================================================================
// pending 最小堆
// ============================================================================

type heapItem struct {
	job   *types.Job
	index int
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	if a.FireAt != b.FireAt {
		return a.FireAt < b.FireAt
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// ============================================================================
// JobManager
// ============================================================================

// JobManager 代表任務管理器
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[types.JobID]*types.Job // 所有任務
	pending   jobHeap                    // 待處理（依 FireAt）
	items     map[types.JobID]*heapItem  // pending 任務在堆中的位置
	byKey     map[string]types.JobID     // idempotency key → 最新任務
	inFlight  map[types.JobID]*types.Job // 執行中任務
	completed map[types.JobID]*types.Job // 已完成任務
	dead      map[types.JobID]*types.Job // 停放任務
	cancelled map[types.JobID]*types.Job // 已取消任務
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	jm := &JobManager{}
	jm.reset()
	return jm
}

func (jm *JobManager) reset() {
	jm.jobs = make(map[types.JobID]*types.Job)
	jm.pending = make(jobHeap, 0)
	jm.items = make(map[types.JobID]*heapItem)
	jm.byKey = make(map[string]types.JobID)
	jm.inFlight = make(map[types.JobID]*types.Job)
	jm.completed = make(map[types.JobID]*types.Job)
	jm.dead = make(map[types.JobID]*types.Job)
	jm.cancelled = make(map[types.JobID]*types.Job)
}

// Put 加入或取代任務
//
// 返回值：
//   - types.Job: 實際儲存的任務（取代時 ID 為原任務 ID）
//   - bool: 是否取代了同 key 的待處理任務
//   - error: ID 重複時回傳 ErrDuplicateJob
func (jm *JobManager) Put(job types.Job, now time.Time) (types.Job, bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	nowMs := now.UnixMilli()

	if job.Key != "" {
		if existingID, ok := jm.byKey[job.Key]; ok {
			existing := jm.jobs[existingID]
			if existing != nil && existing.Status == types.StatusPending {
				// 原地更新，保留 ID 與建立時間
				existing.Type = job.Type
				existing.TargetID = job.TargetID
				existing.Payload = job.Payload
				existing.FireAt = job.FireAt
				existing.Interval = job.Interval
				existing.Retry = job.Retry
				existing.Timeout = job.Timeout
				existing.Attempt = 0
				existing.LastError = ""
				existing.UpdatedAt = nowMs
				heap.Fix(&jm.pending, jm.items[existingID].index)
				return *existing, true, nil
			}
		}
	}

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, false, ErrDuplicateJob
	}

	job.Status = types.StatusPending
	job.Attempt = 0
	job.Deadline = nil
	job.FinishedAt = 0
	if job.CreatedAt == 0 {
		job.CreatedAt = nowMs
	}
	job.UpdatedAt = nowMs

	stored := job
	jm.jobs[stored.ID] = &stored
	jm.pushPending(&stored)
	if stored.Key != "" {
		jm.byKey[stored.Key] = stored.ID
	}
	return stored, false, nil
}

func (jm *JobManager) pushPending(job *types.Job) {
	item := &heapItem{job: job}
	heap.Push(&jm.pending, item)
	jm.items[job.ID] = item
}

func (jm *JobManager) removePending(id types.JobID) {
	if item, ok := jm.items[id]; ok {
		heap.Remove(&jm.pending, item.index)
		delete(jm.items, id)
	}
}

// ClaimDue 取出最多 max 個 FireAt <= now 的任務並標記為執行中
//
// 截止時間 = now + job.Timeout（為 0 時使用 defaultTimeout）
func (jm *JobManager) ClaimDue(now time.Time, max int, defaultTimeout time.Duration) []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	nowMs := now.UnixMilli()
	var out []types.Job
	for len(jm.pending) > 0 && (max <= 0 || len(out) < max) {
		top := jm.pending[0].job
		if top.FireAt > nowMs {
			break
		}
		heap.Pop(&jm.pending)
		delete(jm.items, top.ID)

		timeout := top.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		deadline := now.Add(timeout).UnixMilli()
		top.Status = types.StatusInFlight
		top.Deadline = &deadline
		top.UpdatedAt = nowMs
		jm.inFlight[top.ID] = top
		out = append(out, *top)
	}
	return out
}

// NextFireAt 回傳最早的待處理觸發時間
func (jm *JobManager) NextFireAt() (time.Time, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	if len(jm.pending) == 0 {
		return time.Time{}, false
	}
	return jm.pending[0].job.FireTime(), true
}

// MarkCompleted 將執行中任務標記為已完成
func (jm *JobManager) MarkCompleted(jobID types.JobID, workerID string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.inFlightJob(jobID)
	if err != nil {
		return types.Job{}, err
	}
	job.Status = types.StatusCompleted
	job.Deadline = nil
	job.WorkerID = workerID
	job.LastError = ""
	job.UpdatedAt = now.UnixMilli()
	job.FinishedAt = job.UpdatedAt

	delete(jm.inFlight, jobID)
	jm.completed[jobID] = job
	return *job, nil
}

// Retry 將執行中任務放回待處理，Attempt 加一並延後到 nextFireAt
func (jm *JobManager) Retry(jobID types.JobID, nextFireAt time.Time, lastErr string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.inFlightJob(jobID)
	if err != nil {
		return types.Job{}, err
	}
	job.Attempt++
	job.Status = types.StatusPending
	job.Deadline = nil
	job.WorkerID = ""
	job.LastError = lastErr
	job.FireAt = nextFireAt.UnixMilli()
	job.UpdatedAt = now.UnixMilli()

	delete(jm.inFlight, jobID)
	jm.pushPending(job)
	return *job, nil
}

// Requeue 將執行中任務原樣放回待處理（恢復時使用，不計入重試）
func (jm *JobManager) Requeue(jobID types.JobID, now time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.inFlightJob(jobID)
	if err != nil {
		return err
	}
	job.Status = types.StatusPending
	job.Deadline = nil
	job.WorkerID = ""
	job.UpdatedAt = now.UnixMilli()

	delete(jm.inFlight, jobID)
	jm.pushPending(job)
	return nil
}

// MarkDead 停放任務（重試耗盡或不可重試的錯誤），保留給維運人員檢查
func (jm *JobManager) MarkDead(jobID types.JobID, lastErr string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.Status != types.StatusInFlight && job.Status != types.StatusPending {
		return types.Job{}, ErrNotInFlight
	}
	jm.removePending(jobID)
	delete(jm.inFlight, jobID)

	job.Status = types.StatusDead
	job.Deadline = nil
	job.LastError = lastErr
	job.UpdatedAt = now.UnixMilli()
	job.FinishedAt = job.UpdatedAt
	jm.dead[jobID] = job
	return *job, nil
}

// Superseded 回報任務的 key 是否已指向同 key 的較新任務
func (jm *JobManager) Superseded(jobID types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job := jm.jobs[jobID]
	if job == nil || job.Key == "" {
		return false
	}
	current, ok := jm.byKey[job.Key]
	return ok && current != jobID
}

// Supersede 結束已被較新任務取代的執行中任務：不重試、不重排，記為取消
func (jm *JobManager) Supersede(jobID types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.inFlightJob(jobID)
	if err != nil {
		return types.Job{}, err
	}
	job.Status = types.StatusCancelled
	job.Deadline = nil
	job.LastError = "superseded"
	job.UpdatedAt = now.UnixMilli()
	job.FinishedAt = job.UpdatedAt

	delete(jm.inFlight, jobID)
	jm.cancelled[jobID] = job
	return *job, nil
}

// Cancel 取消 key 對應的待處理任務；執行中的任務不會被中斷
func (jm *JobManager) Cancel(key string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	id, ok := jm.byKey[key]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	job := jm.jobs[id]
	if job == nil {
		return types.Job{}, ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		return *job, ErrNotPending
	}
	jm.removePending(id)

	job.Status = types.StatusCancelled
	job.UpdatedAt = now.UnixMilli()
	job.FinishedAt = job.UpdatedAt
	jm.cancelled[id] = job
	return *job, nil
}

func (jm *JobManager) inFlightJob(jobID types.JobID) (*types.Job, error) {
	job, exists := jm.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusInFlight {
		return nil, ErrNotInFlight
	}
	return job, nil
}

// ExpiredInFlight 取得已超過截止時間的執行中任務
func (jm *JobManager) ExpiredInFlight(now time.Time) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var expired []types.JobID
	nowMs := now.UnixMilli()
	for jobID, job := range jm.inFlight {
		if job.Deadline != nil && *job.Deadline < nowMs {
			expired = append(expired, jobID)
		}
	}
	return expired
}

// InFlightIDs 取得所有執行中的任務 ID（恢復時重新排程用）
func (jm *JobManager) InFlightIDs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.JobID, 0, len(jm.inFlight))
	for jobID := range jm.inFlight {
		ids = append(ids, jobID)
	}
	return ids
}

// Purge 清除保留期已過的任務
//
// 參數說明：
//   - finishedBefore: Completed / Cancelled 任務 FinishedAt 早於此時間者清除
//   - deadBefore: Dead 任務 FinishedAt 早於此時間者清除
func (jm *JobManager) Purge(finishedBefore, deadBefore time.Time) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var purged []types.JobID
	drop := func(index map[types.JobID]*types.Job, before int64) {
		for id, job := range index {
			if job.FinishedAt < before {
				delete(index, id)
				delete(jm.jobs, id)
				if job.Key != "" && jm.byKey[job.Key] == id {
					delete(jm.byKey, job.Key)
				}
				purged = append(purged, id)
			}
		}
	}
	drop(jm.completed, finishedBefore.UnixMilli())
	drop(jm.cancelled, finishedBefore.UnixMilli())
	drop(jm.dead, deadBefore.UnixMilli())
	return purged
}

// Forget 移除單一任務（重放 PURGED 事件時使用）
func (jm *JobManager) Forget(jobID types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return
	}
	jm.removePending(jobID)
	delete(jm.inFlight, jobID)
	delete(jm.completed, jobID)
	delete(jm.dead, jobID)
	delete(jm.cancelled, jobID)
	delete(jm.jobs, jobID)
	if job.Key != "" && jm.byKey[job.Key] == jobID {
		delete(jm.byKey, job.Key)
	}
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		"pending":   len(jm.pending),
		"in_flight": len(jm.inFlight),
		"completed": len(jm.completed),
		"dead":      len(jm.dead),
		"cancelled": len(jm.cancelled),
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// GetJob 取得任務副本，不存在時回傳 nil
func (jm *JobManager) GetJob(jobID types.JobID) *types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

// GetByKey 取得 key 目前對應的任務副本
func (jm *JobManager) GetByKey(key string) *types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	id, ok := jm.byKey[key]
	if !ok {
		return nil
	}
	job, ok := jm.jobs[id]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

// IsCompleted 檢查任務是否已完成
func (jm *JobManager) IsCompleted(jobID types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, exists := jm.completed[jobID]
	return exists
}

// IsDead 檢查任務是否已停放
func (jm *JobManager) IsDead(jobID types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, exists := jm.dead[jobID]
	return exists
}

// ============================================================================
// 快照、恢復與 WAL 重放
// ============================================================================

// Apply 以任務的完整狀態覆寫（WAL 重放用，依 ID upsert）
func (jm *JobManager) Apply(job types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.applyLocked(job)
}

func (jm *JobManager) applyLocked(job types.Job) {
	if old, ok := jm.jobs[job.ID]; ok {
		jm.removePending(old.ID)
		delete(jm.inFlight, old.ID)
		delete(jm.completed, old.ID)
		delete(jm.dead, old.ID)
		delete(jm.cancelled, old.ID)
	}

	stored := job
	jm.jobs[stored.ID] = &stored
	switch stored.Status {
	case types.StatusPending:
		jm.pushPending(&stored)
	case types.StatusInFlight:
		jm.inFlight[stored.ID] = &stored
	case types.StatusCompleted:
		jm.completed[stored.ID] = &stored
	case types.StatusDead:
		jm.dead[stored.ID] = &stored
	case types.StatusCancelled:
		jm.cancelled[stored.ID] = &stored
	}

	if stored.Key == "" {
		return
	}
	// key 只在新任務未結束、或原本指向的任務已結束時移動
	if current, ok := jm.byKey[stored.Key]; ok && current != stored.ID {
		if cur := jm.jobs[current]; cur != nil && !cur.Status.IsFinal() && stored.Status.IsFinal() {
			return
		}
	}
	jm.byKey[stored.Key] = stored.ID
}

// Restore 從快照恢復狀態
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.reset()
	for _, job := range data.Jobs {
		if job == nil {
			continue
		}
		jm.applyLocked(*job)
	}
	return nil
}

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobCopy := *job
		jobsCopy[id] = &jobCopy
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: SchemaVersion,
	}
}
