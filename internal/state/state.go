// Package state persists the position ledger as a single revisioned
// document per account. Writers are serialized optimistically: a save must
// name the revision it read, and a stale revision is rejected so two
// concurrent runners can never both commit a tick.
package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"trader/internal/ledger"
)

// ErrConcurrentWrite means another runner committed first; the losing tick
// aborts without writing. The CLI maps it to exit code 5.
var ErrConcurrentWrite = errors.New("concurrent write rejected")

// Record is one account's persisted state document.
type Record struct {
	AccountID string
	Revision  int64
	Ledger    *ledger.Ledger
	UpdatedAt time.Time
}

// TradeEvent is an executed-order audit entry, appended on every commit.
type TradeEvent struct {
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Symbol    string    `json:"symbol"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	Notional  float64   `json:"notional,omitempty"`
	Reason    string    `json:"reason"`
	OrderID   string    `json:"order_id,omitempty"`
}

type Store interface {
	// Load returns the current document, or a fresh zero-revision record
	// when the account has none yet.
	Load(ctx context.Context, accountID string) (Record, error)
	// Save replaces the document if its stored revision still equals
	// expectedRevision, bumping it by one; otherwise ErrConcurrentWrite.
	Save(ctx context.Context, rec Record, expectedRevision int64) error
	AppendEvent(ctx context.Context, event TradeEvent) error
	Close() error
}

// Open picks a backend from the URL: http(s) URLs get the REST document
// store, anything else is treated as a SQLite path.
func Open(stateURL, stateKey string) (Store, error) {
	if strings.HasPrefix(stateURL, "http://") || strings.HasPrefix(stateURL, "https://") {
		return NewRESTStore(stateURL, stateKey), nil
	}
	if stateURL == "" {
		stateURL = "trader_state.db"
	}
	return OpenSQLite(stateURL)
}
