package call

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"commlink-backend/internal/domain"
)

var (
	// ErrCallNotFound means the call is unknown or already torn down
	ErrCallNotFound = errors.New("call not found")
	// ErrUserBusy means the user already holds an active call slot
	ErrUserBusy = errors.New("user busy")

	errNotParticipant = errors.New("not a call participant")
)

// Registry is the authoritative in-memory table of live calls. It owns two
// maps that must stay consistent: call ID to call, and user ID to the one
// call currently claiming that user. A single mutex guards both so occupancy
// checks and claims are atomic.
//
// Callers never hold *domain.Call outside the lock. All reads and writes go
// through View and Mutate, which run the callback under the lock.
type Registry struct {
	mu        sync.RWMutex
	calls     map[uuid.UUID]*domain.Call
	userCalls map[uuid.UUID]uuid.UUID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		calls:     make(map[uuid.UUID]*domain.Call),
		userCalls: make(map[uuid.UUID]uuid.UUID),
	}
}

// StartCall registers a new call and claims occupancy for the initiator and
// the callee in one atomic step. If either user is already claimed, nothing
// is registered and ErrUserBusy is returned along with the busy user's ID.
func (r *Registry) StartCall(call *domain.Call, callee uuid.UUID) (busyUser uuid.UUID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.userCalls[call.Initiator]; busy {
		return call.Initiator, ErrUserBusy
	}
	if _, busy := r.userCalls[callee]; busy {
		return callee, ErrUserBusy
	}

	r.calls[call.ID] = call
	r.userCalls[call.Initiator] = call.ID
	r.userCalls[callee] = call.ID
	return uuid.Nil, nil
}

// ClaimUser reserves an additional occupancy slot against an existing call,
// used when inviting a user into an ongoing call
func (r *Registry) ClaimUser(userID, callID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[callID]; !ok {
		return ErrCallNotFound
	}
	if existing, busy := r.userCalls[userID]; busy && existing != callID {
		return ErrUserBusy
	}
	r.userCalls[userID] = callID
	return nil
}

// ReleaseUser frees a user's occupancy slot if it is held by the given call.
// Used when a participant drops off a call that keeps going.
func (r *Registry) ReleaseUser(userID, callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.userCalls[userID]; ok && existing == callID {
		delete(r.userCalls, userID)
	}
}

// Mutate runs fn on the call under the write lock. Returns ErrCallNotFound
// if the call is not registered (including after eviction).
func (r *Registry) Mutate(callID uuid.UUID, fn func(*domain.Call) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	return fn(call)
}

// View runs fn on the call under the read lock. fn must not modify the call.
func (r *Registry) View(callID uuid.UUID, fn func(*domain.Call) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	return fn(call)
}

// UserCall returns the call currently claiming the user, if any
func (r *Registry) UserCall(userID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	callID, ok := r.userCalls[userID]
	return callID, ok
}

// Evict removes the call and every occupancy slot it holds. Safe to call
// more than once; the second call is a no-op.
func (r *Registry) Evict(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[callID]; !ok {
		return
	}
	delete(r.calls, callID)
	for userID, id := range r.userCalls {
		if id == callID {
			delete(r.userCalls, userID)
		}
	}
}

// ActiveCount returns the number of registered calls
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
