package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "pagerelay/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	// Driver is "none", "file" (JSON Lines) or "sqlite".
	Driver string
	Path   string
	// BusyTimeout applies to sqlite only; 0 keeps the driver default.
	BusyTimeout time.Duration
}

// RunRecord is one finished relay run.
type RunRecord struct {
	ID         string    `json:"id"`
	Trigger    time.Time `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	State      string    `json:"state"`
	Channel    int64     `json:"channel"`
	Bytes      int       `json:"bytes"`
	Segments   int       `json:"segments"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to n records, newest first.
	RecentRuns(ctx context.Context, n int) ([]RunRecord, error)
	Close() error
}

// Open returns the configured store. Driver "none" (or empty) yields a store that drops
// everything.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

type Nop struct{}

func (Nop) AppendRun(context.Context, RunRecord) error           { return nil }
func (Nop) RecentRuns(context.Context, int) ([]RunRecord, error) { return nil, nil }
func (Nop) Close() error                                         { return nil }
