package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

// ErrNoHandler 沒有為任務類型註冊 handler
var ErrNoHandler = errors.New("no handler registered for job type")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error that no retry can fix. The scheduler
// parks such jobs immediately instead of backing off.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Outcome is what a handler reports besides its error.
//
// Rearm asks the scheduler to register the next occurrence of a one-shot
// job under the same key (self-rearming jobs such as the daily commission
// release). It is honoured even when the handler also returns an error.
type Outcome struct {
	Rearm *time.Time
}

// Handler executes one job. The job carries identifiers only; handlers
// re-read any state they decide on.
type Handler interface {
	Handle(ctx context.Context, job *types.Job) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *types.Job) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *types.Job) (Outcome, error) {
	return f(ctx, job)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 建立空的 handler 註冊表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to jobType, replacing any earlier binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler bound to jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Task 代表要執行的任務
type Task struct {
	Job     types.Job     // 任務快照
	Timeout time.Duration // 執行超時時間
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Job      types.Job     // 派發時的任務快照
	WorkerID string        // 執行的 worker
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Outcome  Outcome       // handler 回報的後續動作
	Duration time.Duration // 實際執行時間
}
