package storage

import (
	"context"
	"encoding/json"
)

// Store is the persistence boundary the fallback chain writes through. Get
// returns only the keys that exist; a nil keys slice means everything.
type Store interface {
	Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, entries map[string]json.RawMessage) error
}

// Error distinguishes a store that rejected the operation from one that is
// temporarily unavailable. Rejections are terminal for retry purposes;
// everything else is worth retrying.
type Error struct {
	Message  string
	Rejected bool
}

func (e *Error) Error() string {
	return "storage error: " + e.Message
}

// Terminal implements the retry layer's self-classification hook.
func (e *Error) Terminal() bool {
	return e.Rejected
}
