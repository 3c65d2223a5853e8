// Package snapshot persists session state in a Badger key-value store so a
// restarted process resumes with its stop-loss, cooldown and sensor latches.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"trade-admission/internal/interfaces"
)

type Store struct {
	db  *badger.DB
	ttl time.Duration
}

var _ interfaces.SnapshotStore = (*Store)(nil)

type OpenOptions struct {
	Path     string
	InMemory bool
	ReadOnly bool
	// TTL expires every saved key; zero disables expiry.
	TTL time.Duration
}

func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("snapshot: path is required")
		}
		bopts = badger.DefaultOptions(opts.Path).WithReadOnly(opts.ReadOnly)
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("snapshot: open: %w", err)
	}
	return &Store{db: db, ttl: opts.TTL}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(k string) ([]byte, error) {
	b := []byte(strings.TrimSpace(k))
	if len(b) == 0 {
		return nil, errors.New("snapshot: key is empty")
	}
	return b, nil
}

// Save stores v as JSON under k.
func (s *Store) Save(ctx context.Context, k string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kb, err := key(k)
	if err != nil {
		return err
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", k, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(kb, val)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Load decodes the value under k into v. A missing key is not an error.
func (s *Store) Load(ctx context.Context, k string, v any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	kb, err := key(k)
	if err != nil {
		return false, err
	}
	found := false
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kb)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if err != nil {
		return false, fmt.Errorf("snapshot: load %s: %w", k, err)
	}
	return found, nil
}

// Keys lists stored keys with the given prefix in key order.
func (s *Store) Keys(prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

// Delete removes k; deleting a missing key succeeds.
func (s *Store) Delete(k string) error {
	kb, err := key(k)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kb)
	})
}
