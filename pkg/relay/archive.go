package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Archive appends accepted versions to a sqlite table for later inspection. It is never read
// back by the relay: a restarted relay always begins with no snapshot.
type Archive struct {
	database *sql.DB
	logger   *slog.Logger
	last     int64
}

func NewArchive(db *sql.DB, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{database: db, logger: logger}
}

func (a *Archive) Init(ctx context.Context) error {
	if _, err := a.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		version integer not null primary key,
		origin text not null,
		content text not null,
		accepted_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

// Record stores the entry unless that version is already archived. It reports whether a row
// was written.
func (a *Archive) Record(ctx context.Context, e Entry) (bool, error) {
	res, err := a.database.ExecContext(ctx,
		`INSERT OR IGNORE INTO snapshots (version, origin, content, accepted_at) VALUES (?, ?, ?, ?)`,
		e.Version, e.Origin, string(e.Payload), e.AcceptedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to archive version %d: %w", e.Version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count archived rows: %w", err)
	}
	return n > 0, nil
}

// Flush archives the hub's latest entry if it has not been archived yet.
func (a *Archive) Flush(ctx context.Context, h *Hub) {
	entry, ok := h.Latest()
	if !ok || entry.Version == a.last {
		return
	}
	if written, err := a.Record(ctx, entry); err != nil {
		a.logger.Error("failed to backup snapshot in database", "err", err)
		return
	} else if written {
		a.logger.Info("backed up", "version", entry.Version, "origin", entry.Origin)
	}
	a.last = entry.Version
}

// Run flushes on every tick until ctx is done.
func (a *Archive) Run(ctx context.Context, h *Hub, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.Flush(ctx, h)
		case <-ctx.Done():
			return
		}
	}
}
