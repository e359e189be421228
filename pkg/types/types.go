// Package types 定義了排程器（scheduler）、worker 與 gRPC 服務共用的任務模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待處理：等待 FireAt 到達
	StatusInFlight  JobStatus = "in_flight" // 執行中：已交給 worker
	StatusCompleted JobStatus = "completed" // 完成：handler 成功返回
	StatusDead      JobStatus = "dead"      // 停放：重試耗盡，保留給維運人員檢查
	StatusCancelled JobStatus = "cancelled" // 取消：在觸發前透過 idempotency key 取消
)

// IsFinal reports whether the job will never run again under its current ID.
func (s JobStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusDead || s == StatusCancelled
}

// Job types consumed by the lifecycle worker.
const (
	JobExpirePurchase                  = "expire-purchase"
	JobCancelConsultationNoShow        = "cancel-consultation-no-show"
	JobFinalizeConsultation            = "finalize-consultation"
	JobExpireConsultationAfterPlanStop = "expire-consultation-after-plan-cancellation"
	JobExpirePlanSubscription          = "expire-plan-subscription"
	JobRefreshReservedStatus           = "refresh-reservado-status"
	JobInactivityFailsafe              = "consulta-inatividade-failsafe"
	JobInactivityByScheduledAt         = "verificar-inatividade-scheduled-at"
	JobNotifyTimeRemaining             = "notificar-tempo-restante"
	JobReleaseHeldCommissions          = "release-held-commissions"
)

// RetryPolicy 重試策略：指數退避，超過 MaxAttempts 後停放
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy is used when a caller passes a zero RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
	MaxDelay:    5 * time.Minute,
}

// OrDefault fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) OrDefault() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// Delay returns the backoff before retry number attempt (1-based):
// BaseDelay, 2×, 4×, … capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.OrDefault()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Job 任務結構，代表一個持久化的延遲任務
type Job struct {
	// 識別與資料
	ID       JobID          `json:"id"`                // 任務唯一識別碼（每次排程都不同）
	Type     string         `json:"type"`              // 任務類型，決定由哪個 handler 處理
	TargetID string         `json:"target_id"`         // 目標實體 ID，執行時重新讀取狀態
	Key      string         `json:"key"`               // idempotency key，同 key 只保留一個待處理任務
	Payload  map[string]any `json:"payload,omitempty"` // 僅存放識別資料，不可作為決策依據

	// 排程
	FireAt   int64         `json:"fire_at"`            // 觸發時間（Unix 毫秒）
	Interval time.Duration `json:"interval,omitempty"` // >0 表示固定間隔任務

	// 狀態追蹤
	Status    JobStatus   `json:"status"`
	Attempt   int         `json:"attempt"`
	Retry     RetryPolicy `json:"retry"`
	LastError string      `json:"last_error,omitempty"`

	// 時間管理（Unix 毫秒）
	Timeout    time.Duration `json:"timeout"`
	Deadline   *int64        `json:"deadline_ms,omitempty"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
	FinishedAt int64         `json:"finished_at,omitempty"`

	// 執行資訊
	WorkerID string `json:"worker_id,omitempty"`
}

// FireTime returns FireAt as a time.Time.
func (j *Job) FireTime() time.Time {
	return time.UnixMilli(j.FireAt)
}

// IsRecurring reports whether the job re-arms itself on a fixed interval.
func (j *Job) IsRecurring() bool {
	return j.Interval > 0
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
	LastSeq   uint64         `json:"last_seq"`
}
