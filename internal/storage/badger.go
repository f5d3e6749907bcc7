package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const statePrefix = "state:"

// BadgerStore is the durable primary tier, backed by an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadger wraps an already-opened database. The caller owns the DB's
// lifecycle.
func NewBadger(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadger opens (creating if needed) a BadgerDB at dir with badger's
// own logging disabled.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return db, nil
}

func (s *BadgerStore) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)

	err := s.db.View(func(txn *badger.Txn) error {
		if keys == nil {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(statePrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				key := string(item.Key())[len(statePrefix):]
				err := item.Value(func(val []byte) error {
					out[key] = append(json.RawMessage(nil), val...)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		}

		for _, key := range keys {
			item, err := txn.Get([]byte(statePrefix + key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			err = item.Value(func(val []byte) error {
				out[key] = append(json.RawMessage(nil), val...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyBadger(err)
	}

	return out, nil
}

func (s *BadgerStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for key, val := range entries {
			if err := txn.Set([]byte(statePrefix+key), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classifyBadger(err)
	}

	return nil
}

func classifyBadger(err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return &Error{Message: "invalid write: transaction too big", Rejected: true}
	}
	return fmt.Errorf("badger: %w", err)
}
