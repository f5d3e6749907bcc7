package transport

import (
	"context"
	"fmt"

	"github.com/connwatch/reporter/internal/queue"
)

// Transport pushes one delivery record to the remote collector.
// Implementations must return *Error for collector-side rejections so the
// retry layer can classify them.
type Transport interface {
	Send(ctx context.Context, rec *queue.Record) error
}

// Error is a collector-side failure. StatusCode is zero when the failure
// happened before a response arrived.
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("collector error (status %d): %s", e.StatusCode, e.Message)
	}
	return "collector error: " + e.Message
}

// Terminal reports whether retrying this error is pointless: the collector
// rejected the request itself, not the moment it arrived in.
func (e *Error) Terminal() bool {
	switch e.StatusCode {
	case 400, 401, 403, 413:
		return true
	default:
		return false
	}
}
