// Package ticklog appends one JSON line per tick to an audit file. The
// tick summary pairs what the strategy wanted with what the broker did,
// so a run can be replayed from the log alone.
package ticklog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"trader/internal/executor"
	"trader/internal/ledger"
	"trader/internal/strategy"
)

type MarketSummary struct {
	IsOpen bool      `json:"is_open"`
	Now    time.Time `json:"now"`
}

type AccountSummary struct {
	Cash        float64 `json:"cash"`
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

type Tick struct {
	Timestamp       time.Time                  `json:"ts"`
	TickID          string                     `json:"tick_id"`
	Market          MarketSummary              `json:"market"`
	Account         AccountSummary             `json:"account"`
	PositionsBefore map[string]ledger.Position `json:"positions_before"`
	Intents         []strategy.Intent          `json:"intents"`
	Orders          []executor.Result          `json:"orders"`
	PositionsAfter  map[string]ledger.Position `json:"positions_after"`
	Errors          []string                   `json:"errors"`
}

// NewTickID returns the identifier stamped on every record of one tick.
func NewTickID() string {
	return uuid.NewString()
}

type Writer struct {
	file *os.File
	buf  *bufio.Writer
	mu   sync.Mutex
}

// NewWriter appends to the audit file at path and mirrors every line to
// stdout, which is the machine-readable surface for cron wrappers.
func NewWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{file: file, buf: bufio.NewWriter(io.MultiWriter(os.Stdout, file))}, nil
}

// NewConsole writes to out only; tests use it to capture lines.
func NewConsole(out io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriter(out)}
}

func (w *Writer) Append(tick Tick) {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload, err := json.Marshal(tick)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal tick: %v\n", err)
		return
	}
	if _, err := w.buf.Write(append(payload, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write tick: %v\n", err)
		return
	}
	if err := w.buf.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush tick log: %v\n", err)
	}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.buf.Flush()
	if w.file == nil {
		return err
	}
	if err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
