package ftillite

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const descriptorBucket = "descriptors"

var ErrNoSave = errors.New("no save with that name")

// descriptor records where a saved value's components live.
type descriptor struct {
	Session  string          `cbor:"1,keyasint"`
	TypeCode string          `cbor:"2,keyasint"`
	Width    int             `cbor:"3,keyasint"`
	Nodes    []protocol.Node `cbor:"4,keyasint"`
}

// SessionStore keeps save descriptors on the coordinator. The component
// arrays themselves stay on the nodes.
type SessionStore struct {
	db *bolt.DB
}

// OpenSessionStore creates (or loads) the descriptor database at path.
func OpenSessionStore(path string) (*SessionStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(descriptorBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

func (s *SessionStore) put(name string, d descriptor) error {
	b, err := cbor.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(descriptorBucket)).Put([]byte(name), b)
	})
}

func (s *SessionStore) get(name string) (descriptor, error) {
	var d descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(descriptorBucket)).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: %q", ErrNoSave, name)
		}
		return cbor.Unmarshal(raw, &d)
	})
	return d, err
}

func (s *SessionStore) delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(descriptorBucket)).Delete([]byte(name))
	})
}

// Names lists the saved names in key order.
func (s *SessionStore) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(descriptorBucket)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func checkSaveName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid save name %q", name)
	}
	return nil
}

func componentName(name string, i int) string {
	return name + "." + strconv.Itoa(i)
}

// Save persists v's components on the nodes of the active scope under a
// fresh session and records a descriptor. Saving over an existing name
// replaces it.
func (fc *Context) Save(ctx context.Context, name string, v Value) error {
	if fc.sessions == nil {
		return errors.New("save: context has no session store")
	}
	if err := checkSaveName(name); err != nil {
		return err
	}
	prev, prevErr := fc.sessions.get(name)

	d := descriptor{
		Session:  uuid.NewString(),
		TypeCode: string(v.TypeCode()),
		Width:    v.Width(),
		Nodes:    fc.Scope().Nodes(),
	}
	for i, p := range v.Flatten() {
		if _, err := fc.Exec(ctx, "save", 0, d.Session, componentName(name, i), p); err != nil {
			fc.dropSession(ctx, d.Session, fc.Scope())
			return fmt.Errorf("saving %q: %w", name, err)
		}
	}
	if err := fc.sessions.put(name, d); err != nil {
		fc.dropSession(ctx, d.Session, fc.Scope())
		return err
	}
	if prevErr == nil {
		fc.dropSession(ctx, prev.Session, protocol.NewNodeSet(prev.Nodes...))
	}
	fc.log.Info("value saved", "name", name, "session", d.Session, "nodes", fc.Scope().String())
	return nil
}

// Restore loads the value saved as name into stub, which must have the
// saved type. The saving nodes must still be in the directory under the same
// ids and lie within the active scope; the value is restored on them.
func (fc *Context) Restore(ctx context.Context, name string, stub Value) error {
	if fc.sessions == nil {
		return errors.New("restore: context has no session store")
	}
	d, err := fc.sessions.get(name)
	if err != nil {
		return err
	}
	if d.TypeCode != string(stub.TypeCode()) || d.Width != stub.Width() {
		return fmt.Errorf("%w: %q holds %s, stub is %s", protocol.ErrTypeMismatch, name, d.TypeCode, stub.TypeCode())
	}
	var unknown []protocol.Node
	for _, n := range d.Nodes {
		if !fc.nodes.Contains(n) {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return protocol.ScopeError("node directory", unknown)
	}

	return fc.onSubset(protocol.NewNodeSet(d.Nodes...), func() error {
		parts := make([]Primitive, 0, d.Width)
		for i := 0; i < d.Width; i++ {
			out, err := fc.Exec(ctx, "load", 1, d.Session, componentName(name, i))
			if err != nil {
				for _, p := range parts {
					p.Release()
				}
				return fmt.Errorf("restoring %q: %w", name, err)
			}
			parts = append(parts, out[0])
		}
		return stub.Unflatten(ctx, parts)
	})
}

// DeleteSave drops a saved value from the nodes and the store.
func (fc *Context) DeleteSave(ctx context.Context, name string) error {
	if fc.sessions == nil {
		return errors.New("delete save: context has no session store")
	}
	d, err := fc.sessions.get(name)
	if err != nil {
		return err
	}
	fc.dropSession(ctx, d.Session, protocol.NewNodeSet(d.Nodes...))
	return fc.sessions.delete(name)
}

func (fc *Context) dropSession(ctx context.Context, session string, nodes protocol.NodeSet) {
	if _, err := fc.mgr.Gather(ctx, protocol.Template("delsession", 0, session), nodes.Intersect(fc.nodes)); err != nil {
		fc.log.Warn("dropping save session", "session", session, "err", err)
	}
}
