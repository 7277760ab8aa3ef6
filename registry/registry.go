// Package registry tracks the remote values a coordinator knows about and
// the handles waiting to be deleted on the nodes.
package registry

import (
	"sort"
	"sync"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// Entry describes a live handle.
type Entry struct {
	Kind     protocol.Kind
	TypeCode protocol.TypeCode
	// Scope is the set of nodes holding the value.
	Scope protocol.NodeSet
}

// Registry maps handles to entries. It is owned by the goroutine issuing
// commands and is not safe for concurrent use.
type Registry struct {
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func (r *Registry) Register(handle string, e Entry) {
	r.entries[handle] = e
}

func (r *Registry) Lookup(handle string) (Entry, bool) {
	e, ok := r.entries[handle]
	return e, ok
}

func (r *Registry) Contains(handle string) bool {
	_, ok := r.entries[handle]
	return ok
}

// Remove drops handle from the nodes in scope. The entry disappears once no
// node holds it.
func (r *Registry) Remove(handle string, scope protocol.NodeSet) {
	e, ok := r.entries[handle]
	if !ok {
		return
	}
	rest := e.Scope.Without(scope.Nodes()...)
	if rest.IsEmpty() {
		delete(r.entries, handle)
		return
	}
	e.Scope = rest
	r.entries[handle] = e
}

func (r *Registry) Len() int { return len(r.entries) }

// Handles lists the registered handles in sorted order.
func (r *Registry) Handles() []string {
	out := make([]string, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// DeletionQueue accumulates handles to delete, keyed by node id. Enqueue may
// be called from any goroutine.
type DeletionQueue struct {
	mu      sync.Mutex
	pending map[int][]string
	scopes  map[string]protocol.NodeSet
}

func NewDeletionQueue() *DeletionQueue {
	return &DeletionQueue{
		pending: make(map[int][]string),
		scopes:  make(map[string]protocol.NodeSet),
	}
}

// Enqueue schedules handle for deletion on every node of scope.
func (q *DeletionQueue) Enqueue(handle string, scope protocol.NodeSet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range scope.IDs() {
		q.pending[id] = append(q.pending[id], handle)
	}
	q.scopes[handle] = q.scopes[handle].Union(scope)
}

// Len returns the number of (node, handle) pairs waiting.
func (q *DeletionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, hs := range q.pending {
		n += len(hs)
	}
	return n
}

// Drain empties the queue and returns its content: handles per node id and
// the scope each handle was released from.
func (q *DeletionQueue) Drain() (map[int][]string, map[string]protocol.NodeSet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending, scopes := q.pending, q.scopes
	q.pending = make(map[int][]string)
	q.scopes = make(map[string]protocol.NodeSet)
	return pending, scopes
}
