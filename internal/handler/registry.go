package handler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrSystemIDRequired indicates a missing system id.
	ErrSystemIDRequired = errors.New("system id is required")
	// ErrActionTypeRequired indicates a missing action type.
	ErrActionTypeRequired = errors.New("action type is required")
	// ErrValidateRequired indicates a handler without a validate function.
	ErrValidateRequired = errors.New("handler validate function is required")
	// ErrExecuteRequired indicates a handler without an execute function.
	ErrExecuteRequired = errors.New("handler execute function is required")
	// ErrAlreadyRegistered indicates a duplicate (system, action type) pair.
	ErrAlreadyRegistered = errors.New("handler already registered")
	// ErrNotFound indicates no handler is registered for an action type.
	ErrNotFound = errors.New("no handler registered for action type")
	// ErrRegistrySealed indicates registration after bootstrap completed.
	ErrRegistrySealed = errors.New("registry is sealed")
)

// Registration pairs a handler with the system that contributed it.
type Registration struct {
	SystemID   string
	ActionType string
	Handler    Handler
	// seq records registration order; it is the documented tie-break for
	// equal-priority handlers (earlier registration wins).
	seq uint64
}

// Registry maps action types to handlers across registered systems.
//
// Registration happens once during bootstrap; Seal marks the registry
// read-only before request traffic is accepted, after which lookups are
// lock-cheap and concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	byAction map[string][]Registration
	nextSeq  uint64
	sealed   bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byAction: make(map[string][]Registration)}
}

// Register binds a handler to an action type on behalf of a system.
func (r *Registry) Register(systemID, actionType string, h Handler) error {
	if r == nil {
		return errors.New("registry is required")
	}
	systemID = strings.TrimSpace(systemID)
	if systemID == "" {
		return ErrSystemIDRequired
	}
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return ErrActionTypeRequired
	}
	if h.Validate == nil {
		return ErrValidateRequired
	}
	if h.Execute == nil {
		return ErrExecuteRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	for _, existing := range r.byAction[actionType] {
		if existing.SystemID == systemID {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, systemID, actionType)
		}
	}

	r.nextSeq++
	registrations := append(r.byAction[actionType], Registration{
		SystemID:   systemID,
		ActionType: actionType,
		Handler:    h,
		seq:        r.nextSeq,
	})
	// Highest priority first; equal priority resolves by registration order.
	sort.SliceStable(registrations, func(i, j int) bool {
		if registrations[i].Handler.Priority != registrations[j].Handler.Priority {
			return registrations[i].Handler.Priority > registrations[j].Handler.Priority
		}
		return registrations[i].seq < registrations[j].seq
	})
	r.byAction[actionType] = registrations
	return nil
}

// Seal marks bootstrap complete. Further registration fails.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether the registry stopped accepting registrations.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Resolve returns the winning registration for an action type.
func (r *Registry) Resolve(actionType string) (Registration, error) {
	if r == nil {
		return Registration{}, ErrNotFound
	}
	actionType = strings.TrimSpace(actionType)

	r.mu.RLock()
	defer r.mu.RUnlock()
	registrations := r.byAction[actionType]
	if len(registrations) == 0 {
		return Registration{}, fmt.Errorf("%w: %q", ErrNotFound, actionType)
	}
	return registrations[0], nil
}

// ActionTypes returns the sorted list of registered action types.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byAction))
	for actionType := range r.byAction {
		types = append(types, actionType)
	}
	sort.Strings(types)
	return types
}
