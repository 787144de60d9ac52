// Package registry keeps the sessions created by a bridge, in creation
// order, bounded by a history size.
package registry

import (
	"sync"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/model"
)

const (
	DefaultHistorySize = 10
	// MaxHistorySize is the first rejected history size.
	MaxHistorySize = 1000
)

// Registry is safe for concurrent use. Removal from the registry never
// invalidates a session already held by a caller.
type Registry struct {
	mx       sync.RWMutex
	nextID   int64
	limit    int
	order    []*model.Session
	sessions map[int64]*model.Session
	now      func() time.Time
}

func New(limit int) (*Registry, error) {
	r := &Registry{
		sessions: make(map[int64]*model.Session),
		now:      time.Now,
	}
	if err := r.SetHistoryLimit(limit); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock used for creation timestamps.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Create allocates the next id and stores a new session.
func (r *Registry) Create(kind model.Kind, args []string) *model.Session {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.nextID++
	s := model.NewSession(r.nextID, kind, args, r.now())
	r.order = append(r.order, s)
	r.sessions[s.ID()] = s
	r.evict(s.ID())
	return s
}

func (r *Registry) Get(id int64) (*model.Session, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, model.Errorf(model.ErrSessionNotFound, "id %d", id)
	}
	return s, nil
}

// List returns all sessions in creation order.
func (r *Registry) List() []*model.Session {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return append([]*model.Session(nil), r.order...)
}

func (r *Registry) ListByState(state model.State) []*model.Session {
	return r.filter(func(s *model.Session) bool { return s.State() == state })
}

func (r *Registry) ListByKind(kind model.Kind) []*model.Session {
	return r.filter(func(s *model.Session) bool { return s.Kind() == kind })
}

func (r *Registry) filter(keep func(*model.Session) bool) []*model.Session {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var out []*model.Session
	for _, s := range r.order {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the most recently created session.
func (r *Registry) Last() (*model.Session, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.order[len(r.order)-1], true
}

// LastCompleted returns the most recently created completed session.
func (r *Registry) LastCompleted() (*model.Session, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		if r.order[i].State() == model.StateCompleted {
			return r.order[i], true
		}
	}
	return nil, false
}

// Clear removes all sessions. Ids keep increasing.
func (r *Registry) Clear() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.order = nil
	clear(r.sessions)
}

func (r *Registry) HistoryLimit() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.limit
}

// SetHistoryLimit sets the number of retained sessions, 0 means unlimited.
// Shrinking the limit evicts immediately.
func (r *Registry) SetHistoryLimit(n int) error {
	if n < 0 || n >= MaxHistorySize {
		return model.Errorf(model.ErrInvalidSize, "%d", n)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.limit = n
	r.evict(0)
	return nil
}

// evict drops the oldest non running sessions while over the limit. Running
// sessions and the one being inserted are skipped, so the registry may stay
// over the limit.
func (r *Registry) evict(inserted int64) {
	if r.limit == 0 {
		return
	}
	excess := len(r.order) - r.limit
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, s := range r.order {
		if excess > 0 && s.ID() != inserted && s.State() != model.StateRunning {
			delete(r.sessions, s.ID())
			excess--
			continue
		}
		kept = append(kept, s)
	}
	clear(r.order[len(kept):])
	r.order = kept
}
