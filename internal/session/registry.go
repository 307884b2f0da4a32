package session

import (
	"sort"
	"sync"
)

// Participant is the identity bound to a connection after it identifies.
type Participant struct {
	ConnID      string
	UserID      string
	DisplayName string
}

// Registry maps connection ids to their outbox and, once identified, their
// Participant identity. All methods are safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	outboxes     map[string]*Outbox      // connID → outbox, for every attached connection
	participants map[string]Participant // connID → identity, identified connections only
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		outboxes:     make(map[string]*Outbox),
		participants: make(map[string]Participant),
	}
}

// Attach records an attached, not yet identified, connection.
//
// Precondition: connID must be non-empty; outbox must be non-nil.
// Postcondition: Returns false without change if connID is already attached.
func (r *Registry) Attach(connID string, outbox *Outbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.outboxes[connID]; exists {
		return false
	}
	r.outboxes[connID] = outbox
	return true
}

// Attached reports whether connID is currently attached.
func (r *Registry) Attached(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.outboxes[connID]
	return ok
}

// Outbox returns the outbox for connID.
func (r *Registry) Outbox(connID string) (*Outbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outboxes[connID]
	return o, ok
}

// ConnIDs returns a sorted snapshot of every attached connection id.
func (r *Registry) ConnIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.outboxes))
	for id := range r.outboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AttachedCount returns the number of attached connections.
func (r *Registry) AttachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outboxes)
}

// Identify binds an identity to connID. Re-identifying overwrites the
// previous identity.
//
// Precondition: connID must be attached.
// Postcondition: Lookup(connID) returns the new Participant.
func (r *Registry) Identify(connID, userID, displayName string) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := Participant{ConnID: connID, UserID: userID, DisplayName: displayName}
	r.participants[connID] = p
	return p
}

// Lookup returns the identity bound to connID.
func (r *Registry) Lookup(connID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[connID]
	return p, ok
}

// Forget removes connID and its identity.
//
// Postcondition: Returns the removed outbox, or nil if connID was not attached.
func (r *Registry) Forget(connID string) *Outbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.outboxes[connID]
	delete(r.outboxes, connID)
	delete(r.participants, connID)
	return o
}

// Count returns the number of identified participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
