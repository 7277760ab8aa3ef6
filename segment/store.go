package segment

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const savesBucket = "saves"

var ErrNotSaved = errors.New("no saved value")

// Store persists saved values on a node, one bucket per save session.
type Store struct {
	db *bolt.DB
}

// OpenStore creates (or loads) the save database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(savesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes v under (session, name), replacing any previous value.
func (s *Store) Save(session, name string, v Value) error {
	b, err := MarshalValue(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(savesBucket)).CreateBucketIfNotExists([]byte(session))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(name), b)
	})
}

// Load reads the value saved under (session, name).
func (s *Store) Load(session, name string) (Value, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(savesBucket)).Bucket([]byte(session))
		if bkt == nil {
			return fmt.Errorf("%w: session %s", ErrNotSaved, session)
		}
		v := bkt.Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotSaved, session, name)
		}
		// bolt memory is only valid inside the transaction.
		raw = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}
	return UnmarshalValue(raw)
}

// DeleteSession drops every value saved under session.
func (s *Store) DeleteSession(session string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(savesBucket)).DeleteBucket([]byte(session))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
