package ftillite

import (
	"context"
	"fmt"

	"github.com/etienne-leroy/FTILlite/dispatch"
	"github.com/etienne-leroy/FTILlite/protocol"
)

// Send asks node From to push its part of Value to node To.
type Send struct {
	From  protocol.Node
	To    protocol.Node
	Value Value
}

// Transmit moves values between nodes of the active scope. The result maps
// each sender's id to a value held by that sender's receivers: receiver r
// holds what the sender pushed to r. All values must share one type.
//
// Composite values travel component by component; a failure releases the
// components already moved.
func (fc *Context) Transmit(ctx context.Context, sends []Send) (map[int]Value, error) {
	if len(sends) == 0 {
		return map[int]Value{}, nil
	}
	like := sends[0].Value
	parts := make([][]Primitive, len(sends))
	for i, s := range sends {
		if missing := protocol.NewNodeSet(s.From, s.To).Missing(fc.Scope()); len(missing) > 0 {
			return nil, protocol.ScopeError("transmit in scope "+fc.Scope().String(), missing)
		}
		if err := sameType(like, s.Value); err != nil {
			return nil, err
		}
		parts[i] = s.Value.Flatten()
		for _, p := range parts[i] {
			if p.released() {
				return nil, fmt.Errorf("transmit: use of released handle %s", p.Handle())
			}
		}
	}

	moved := make(map[int][]Primitive)
	var order []int
	fail := func(err error) (map[int]Value, error) {
		for _, ps := range moved {
			for _, p := range ps {
				p.Release()
			}
		}
		return nil, err
	}
	for c := 0; c < like.Width(); c++ {
		ds := make([]dispatch.Send, len(sends))
		for i, s := range sends {
			ds[i] = dispatch.Send{From: s.From, To: s.To, Handle: parts[i][c].Handle()}
		}
		entries, err := fc.mgr.Transmit(ctx, ds)
		if err != nil {
			return fail(err)
		}
		for _, e := range entries {
			reg, _ := fc.mgr.Registry().Lookup(e.Handle)
			if c == 0 {
				order = append(order, e.NodeID)
			}
			moved[e.NodeID] = append(moved[e.NodeID], fc.proxy(e.Result, reg.Scope))
		}
	}

	out := make(map[int]Value, len(order))
	for _, id := range order {
		ps := moved[id]
		delete(moved, id)
		v, err := fc.rebuildOn(ctx, like, ps)
		if err != nil {
			for _, done := range out {
				done.Release()
			}
			return fail(err)
		}
		out[id] = v
	}
	return out, nil
}

// rebuildOn builds a value of like's type from parts, creating the stub on
// the nodes that hold the parts.
func (fc *Context) rebuildOn(ctx context.Context, like Value, parts []Primitive) (Value, error) {
	scope := parts[0].Scope()
	var v Value
	err := fc.onSubset(scope, func() error {
		stub, err := like.Stub(ctx)
		if err != nil {
			return err
		}
		if err := stub.Unflatten(ctx, parts); err != nil {
			stub.Release()
			return err
		}
		v = stub
		return nil
	})
	if err != nil {
		for _, p := range parts {
			p.Release()
		}
		return nil, err
	}
	return v, nil
}

// onSubset runs fn with the active scope narrowed to s, which must lie in
// the current scope.
func (fc *Context) onSubset(s protocol.NodeSet, fn func() error) error {
	if s.Equal(fc.Scope()) {
		return fn()
	}
	return fc.On(s, fn)
}
