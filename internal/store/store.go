// Package store provides the persistent key-value store backing the offline
// map cache. Two fixed namespaces are kept in a single bbolt database:
// "tiles" (key = "z/x/y.png") and "static" (key = request path).
package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// Kind selects one of the two provisioned namespaces.
type Kind string

const (
	// Tiles holds map tile images keyed by "z/x/y.png".
	Tiles Kind = "tiles"
	// Static holds static assets keyed by absolute request path.
	Static Kind = "static"
)

// Valid reports whether the kind names a provisioned namespace.
func (k Kind) Valid() bool {
	return k == Tiles || k == Static
}

// Record is an opaque binary payload plus its content type. Records are
// overwritten on re-put of the same key (last-write-wins) and never deleted
// by this subsystem.
type Record struct {
	Data        []byte
	ContentType string
}

// Store is the process-wide offline cache handle. It is safe for concurrent
// use; every Put/Get runs in its own bbolt transaction, so individual calls
// commit or abort atomically but there is no multi-key guarantee across
// separate puts.
type Store struct {
	db  *bbolt.DB
	log *logrus.Entry
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Open opens (creating if absent) the database at path and provisions the
// "tiles" and "static" buckets. Provisioning is idempotent: existing
// buckets are left untouched.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, kind := range []Kind{Tiles, Static} {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return fmt.Errorf("failed to create bucket %q: %w", kind, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	s.log.Debugf("store opened at %s", path)
	return s, nil
}

// Put stores a record under key in the given namespace, replacing any
// previous record for that key.
func (s *Store) Put(kind Kind, key string, rec Record) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown namespace %q", kind)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if err := b.Put([]byte(key), encodeRecord(rec)); err != nil {
			return fmt.Errorf("failed to put %s/%s: %w", kind, key, err)
		}
		return nil
	})
}

// Get retrieves the record stored under key. An absent key is a normal
// outcome reported as found == false with a nil error; errors indicate a
// storage fault, not a miss.
func (s *Store) Get(kind Kind, key string) (Record, bool, error) {
	if !kind.Valid() {
		return Record{}, false, fmt.Errorf("unknown namespace %q", kind)
	}
	var rec Record
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(kind)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		decoded, err := decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", kind, key, err)
		}
		rec = decoded
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

// Count returns the number of records in a namespace.
func (s *Store) Count(kind Kind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown namespace %q", kind)
	}
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(kind)).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Records are framed as uvarint content-type length, content type, payload.
// Tile payloads are raw PNG bytes, so a self-describing encoding like JSON
// would roughly double the stored size.
func encodeRecord(rec Record) []byte {
	buf := make([]byte, binary.MaxVarintLen32+len(rec.ContentType)+len(rec.Data))
	n := binary.PutUvarint(buf, uint64(len(rec.ContentType)))
	n += copy(buf[n:], rec.ContentType)
	n += copy(buf[n:], rec.Data)
	return buf[:n]
}

func decodeRecord(raw []byte) (Record, error) {
	ctLen, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) < ctLen {
		return Record{}, fmt.Errorf("corrupt record framing")
	}
	rec := Record{
		ContentType: string(raw[n : n+int(ctLen)]),
		// bbolt values are only valid inside the transaction; copy out.
		Data: append([]byte(nil), raw[n+int(ctLen):]...),
	}
	return rec, nil
}
