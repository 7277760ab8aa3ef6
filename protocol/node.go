package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Node identifies one participant of the computation. Two nodes are the same
// participant iff their ids match; the name is informational and may differ
// between a saved descriptor and the live directory.
type Node struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Equal reports whether n and o denote the same participant.
func (n Node) Equal(o Node) bool {
	return n.ID == o.ID
}

func (n Node) String() string {
	if n.Name == "" {
		return fmt.Sprintf("node%d", n.ID)
	}
	return n.Name
}

// NodeSet is a set of nodes keyed by id. Values are treated as immutable:
// every operation returns a fresh set.
type NodeSet struct {
	m map[int]Node
}

// NewNodeSet builds a set from the given nodes. Later duplicates of the same
// id are ignored.
func NewNodeSet(nodes ...Node) NodeSet {
	m := make(map[int]Node, len(nodes))
	for _, n := range nodes {
		if _, ok := m[n.ID]; !ok {
			m[n.ID] = n
		}
	}
	return NodeSet{m: m}
}

func (s NodeSet) Len() int { return len(s.m) }

func (s NodeSet) IsEmpty() bool { return len(s.m) == 0 }

func (s NodeSet) Contains(n Node) bool {
	_, ok := s.m[n.ID]
	return ok
}

// ContainsID reports whether a node with the given id is a member.
func (s NodeSet) ContainsID(id int) bool {
	_, ok := s.m[id]
	return ok
}

// Get returns the member with the given id.
func (s NodeSet) Get(id int) (Node, bool) {
	n, ok := s.m[id]
	return n, ok
}

// Nodes returns the members ordered by id.
func (s NodeSet) Nodes() []Node {
	nodes := make([]Node, 0, len(s.m))
	for _, n := range s.m {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// IDs returns the member ids in ascending order.
func (s NodeSet) IDs() []int {
	ids := make([]int, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// IsSubsetOf reports whether every member of s is also a member of o.
func (s NodeSet) IsSubsetOf(o NodeSet) bool {
	for id := range s.m {
		if _, ok := o.m[id]; !ok {
			return false
		}
	}
	return true
}

func (s NodeSet) Equal(o NodeSet) bool {
	return len(s.m) == len(o.m) && s.IsSubsetOf(o)
}

func (s NodeSet) Union(o NodeSet) NodeSet {
	out := NewNodeSet(s.Nodes()...)
	for id, n := range o.m {
		if _, ok := out.m[id]; !ok {
			out.m[id] = n
		}
	}
	return out
}

func (s NodeSet) Intersect(o NodeSet) NodeSet {
	out := NewNodeSet()
	for id, n := range s.m {
		if _, ok := o.m[id]; ok {
			out.m[id] = n
		}
	}
	return out
}

// Without returns s minus the given nodes.
func (s NodeSet) Without(nodes ...Node) NodeSet {
	out := NewNodeSet(s.Nodes()...)
	for _, n := range nodes {
		delete(out.m, n.ID)
	}
	return out
}

// Missing returns the members of s that are not in o.
func (s NodeSet) Missing(o NodeSet) []Node {
	var missing []Node
	for _, n := range s.Nodes() {
		if !o.Contains(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

func (s NodeSet) String() string {
	names := make([]string, 0, len(s.m))
	for _, n := range s.Nodes() {
		names = append(names, n.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}
