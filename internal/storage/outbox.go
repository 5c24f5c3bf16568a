package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// OutboxEntry is a curator notice that could not be delivered yet.
type OutboxEntry struct {
	ID        string    `json:"id"`
	List      string    `json:"list"`
	URL       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	QueuedAt  time.Time `json:"queued_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Outbox persists undelivered notices until they are redelivered or given up
// on. Implementations must be safe for concurrent use.
type Outbox interface {
	// Put stores e, assigning an ID when e.ID is empty. An existing entry
	// with the same ID is replaced.
	Put(e OutboxEntry) (string, error)

	// Pending returns up to limit entries, oldest first. limit <= 0 means all.
	Pending(limit int) ([]OutboxEntry, error)

	Delete(id string) error
	Len() (int, error)

	// DBPath returns the filesystem path of the database file ("" for in-memory).
	DBPath() string

	Close() error
}

// Compile-time proof that both implementations satisfy Outbox.
var (
	_ Outbox = (*BoltOutbox)(nil)
	_ Outbox = (*MemOutbox)(nil)
)

var bucketOutbox = []byte("outbox")

// BoltOutbox is a bbolt-backed Outbox. Keys are time-ordered UUIDs so a
// cursor walk yields entries oldest first.
type BoltOutbox struct {
	db *bolt.DB
}

// OpenOutbox opens (or creates) a bbolt database at path.
func OpenOutbox(path string) (*BoltOutbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &BoltOutbox{db: db}, nil
}

func newEntryID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (o *BoltOutbox) Put(e OutboxEntry) (string, error) {
	if e.ID == "" {
		id, err := newEntryID()
		if err != nil {
			return "", fmt.Errorf("storage: outbox id: %w", err)
		}
		e.ID = id
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	err = o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Put([]byte(e.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("storage: outbox put: %w", err)
	}
	return e.ID, nil
}

func (o *BoltOutbox) Pending(limit int) ([]OutboxEntry, error) {
	var out []OutboxEntry
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				// Keep the key so Delete can clear the broken record.
				e = OutboxEntry{ID: string(k), LastError: "undecodable entry"}
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (o *BoltOutbox) Delete(id string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete([]byte(id))
	})
}

func (o *BoltOutbox) Len() (int, error) {
	n := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return n, err
}

// DBPath returns the filesystem path of the database file.
func (o *BoltOutbox) DBPath() string { return o.db.Path() }

// Close cleanly closes the underlying bbolt database.
func (o *BoltOutbox) Close() error { return o.db.Close() }

// MemOutbox is an in-memory Outbox for tests and for running without a
// persistent outbox.
type MemOutbox struct {
	mu      sync.Mutex
	entries map[string]OutboxEntry
}

// NewMemOutbox returns an empty in-memory outbox.
func NewMemOutbox() *MemOutbox {
	return &MemOutbox{entries: make(map[string]OutboxEntry)}
}

func (m *MemOutbox) Put(e OutboxEntry) (string, error) {
	if e.ID == "" {
		id, err := newEntryID()
		if err != nil {
			return "", err
		}
		e.ID = id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
	return e.ID, nil
}

func (m *MemOutbox) Pending(limit int) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemOutbox) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemOutbox) Len() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *MemOutbox) DBPath() string { return "" }

// Close is a no-op for the in-memory outbox.
func (m *MemOutbox) Close() error { return nil }
