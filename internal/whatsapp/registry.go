package whatsapp

import (
	"context"
	"sync"
)

type slotState int

const (
	slotInProgress slotState = iota + 1
	slotReady
)

// slot is the per-tenant entry of the registry. A tenant without a slot is
// empty. done is closed when an in-progress build finishes either way.
type slot struct {
	state   slotState
	session *Session
	done    chan struct{}
}

// BuildFunc constructs and starts a tenant's session.
type BuildFunc func(ctx context.Context) (*Session, error)

// Registry holds at most one live session per tenant and guarantees that
// concurrent callers never build two.
type Registry struct {
	mu    sync.Mutex
	slots map[uint]*slot
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[uint]*slot)}
}

// GetOrCreate returns the tenant's live session, waiting for an in-progress
// build or running build itself when none exists. A failed or panicking
// build leaves the tenant empty.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID uint, build BuildFunc) (*Session, error) {
	for {
		r.mu.Lock()
		sl, ok := r.slots[tenantID]
		if !ok {
			sl = &slot{state: slotInProgress, done: make(chan struct{})}
			r.slots[tenantID] = sl
			r.mu.Unlock()
			return r.build(ctx, tenantID, sl, build)
		}
		if sl.state == slotReady {
			if sl.session.Alive() {
				r.mu.Unlock()
				return sl.session, nil
			}
			delete(r.slots, tenantID)
			r.mu.Unlock()
			continue
		}
		wait := sl.done
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) build(ctx context.Context, tenantID uint, sl *slot, build BuildFunc) (session *Session, err error) {
	defer func() {
		rec := recover()
		r.mu.Lock()
		if rec == nil && err == nil && session != nil {
			sl.state = slotReady
			sl.session = session
		} else if r.slots[tenantID] == sl {
			delete(r.slots, tenantID)
		}
		close(sl.done)
		r.mu.Unlock()
		if rec != nil {
			panic(rec)
		}
	}()
	return build(ctx)
}

// Exclusive waits for any in-progress build of tenantID, then runs fn while
// holding the tenant's slot so that no build can start until fn returns. fn
// receives the live session, or nil. Callers of GetOrCreate that arrive
// meanwhile wait for fn.
func (r *Registry) Exclusive(ctx context.Context, tenantID uint, fn func(live *Session) error) error {
	for {
		r.mu.Lock()
		sl, ok := r.slots[tenantID]
		if ok && sl.state == slotInProgress {
			wait := sl.done
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var live *Session
		if ok && sl.session.Alive() {
			live = sl.session
		}
		hold := &slot{state: slotInProgress, done: make(chan struct{})}
		r.slots[tenantID] = hold
		r.mu.Unlock()
		return r.hold(tenantID, hold, live, fn)
	}
}

func (r *Registry) hold(tenantID uint, hold *slot, live *Session, fn func(*Session) error) error {
	defer func() {
		r.mu.Lock()
		if r.slots[tenantID] == hold {
			if live != nil && live.Alive() {
				hold.state = slotReady
				hold.session = live
			} else {
				delete(r.slots, tenantID)
			}
		}
		close(hold.done)
		r.mu.Unlock()
	}()
	return fn(live)
}

// Get returns the tenant's live session without creating one.
func (r *Registry) Get(tenantID uint) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[tenantID]
	if !ok || sl.state != slotReady || !sl.session.Alive() {
		return nil, false
	}
	return sl.session, true
}

// Release forgets session if it is still the tenant's cached session.
func (r *Registry) Release(tenantID uint, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok := r.slots[tenantID]; ok && sl.state == slotReady && sl.session == session {
		delete(r.slots, tenantID)
	}
}

// Sessions returns every cached session.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.slots))
	for _, sl := range r.slots {
		if sl.state == slotReady {
			out = append(out, sl.session)
		}
	}
	return out
}
