// Package threadstore persists the active thread id across restarts so a
// conversation can be picked up where it left off.
package threadstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hasura/promptql-chat-sdk/ids"
)

var ErrClosed = errors.New("thread store is closed")

// Store holds at most one thread id per scope. Get returns "" when no
// valid thread id is stored; stale or malformed values read as absent.
type Store interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, threadID string) error
	Clear(ctx context.Context) error
	Close() error
}

// scopeKey namespaces the stored value by project scope so several
// widget instances can share one backing database.
func scopeKey(scope string) string {
	return "promptql:thread:" + strings.TrimSpace(scope)
}

func validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("scope is required")
	}
	return nil
}

func validateThreadID(threadID string) error {
	if !ids.ValidThreadID(threadID) {
		return fmt.Errorf("invalid thread id %q", threadID)
	}
	return nil
}
