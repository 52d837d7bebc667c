package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// CancelToken is shared by reference between the cancel path and the worker
// running the job. Processors observe it at checkpoints; once bound, it also
// cancels the job context so in-flight calls return early.
type CancelToken struct {
	flag atomic.Bool
	mu   sync.Mutex
	stop context.CancelCauseFunc
}

func (t *CancelToken) Cancel() {
	t.flag.Store(true)
	t.mu.Lock()
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		stop(ErrCancelled)
	}
}

// bind makes Cancel cancel the context behind stop with cause ErrCancelled.
func (t *CancelToken) bind(stop context.CancelCauseFunc) {
	t.mu.Lock()
	t.stop = stop
	t.mu.Unlock()
	if t.Cancelled() {
		stop(ErrCancelled)
	}
}

func (t *CancelToken) Cancelled() bool { return t.flag.Load() }

// CancelRegistry holds the tokens of jobs running in this process.
type CancelRegistry struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*CancelToken
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{tokens: make(map[uuid.UUID]*CancelToken)}
}

// Register returns the token for id, creating it if needed.
func (r *CancelRegistry) Register(id uuid.UUID) *CancelToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		t = &CancelToken{}
		r.tokens[id] = t
	}
	return t
}

// Cancel flips the token of a locally running job. It reports whether the
// job was running here.
func (r *CancelRegistry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if ok {
		t.Cancel()
	}
	return ok
}

func (r *CancelRegistry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, id)
}
