// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package portpool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// lockRetryInterval is the interval between attempts to take the pool
// file lock while another process holds it.
const lockRetryInterval = 50 * time.Millisecond

// Host is a cross-process Allocator for one build host. Reservations are
// rows in a SQLite ledger under dir; an exclusive file lock serializes
// every ledger access across processes, so concurrent jobs on the host
// cannot reserve the same port. Before reserving, each candidate port is
// probed with a loopback listen to skip ports some unrelated process
// already holds.
//
// The lock file is left on disk after release; removing it could
// invalidate a lock concurrently acquired by another process.
type Host struct {
	dir string
	log *slog.Logger
}

// NewHost creates a Host allocator whose ledger lives under dir. The
// directory is created if missing. If logger is nil, slog.Default() is
// used.
func NewHost(dir string, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create port pool dir: %w", err)
	}
	return &Host{dir: dir, log: logger}, nil
}

func (h *Host) lockPath() string { return filepath.Join(h.dir, "ports.lock") }

func (h *Host) acquireLock(ctx context.Context) (*flock.Flock, error) {
	fl := flock.New(h.lockPath())
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquiring port pool lock %s: %w", h.lockPath(), err)
	}
	if !locked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquiring port pool lock %s: %w", h.lockPath(), ctx.Err())
		}
		return nil, fmt.Errorf("acquiring port pool lock %s: lock not acquired", h.lockPath())
	}
	return fl, nil
}

func (h *Host) releaseLock(fl *flock.Flock) {
	if err := fl.Close(); err != nil {
		h.log.Debug("failed to release port pool lock", "path", fl.Path(), "err", err)
	}
}

// openLedger opens the SQLite ledger with a single connection. A short
// busy timeout covers the window where another process holds a write
// transaction despite the file lock (e.g. a crashed holder's WAL replay).
func (h *Host) openLedger(ctx context.Context) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.Join(h.dir, "ports.db"),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open port ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS ports (
		scope TEXT NOT NULL,
		port  INTEGER NOT NULL,
		PRIMARY KEY (scope, port)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure port ledger schema: %w", err)
	}
	return db, nil
}

// reservedInRange returns the ledger rows for scope that fall in [start, end].
func reservedInRange(ctx context.Context, db *sql.DB, scope string, start, end int) (map[int]struct{}, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT port FROM ports WHERE scope = ? AND port BETWEEN ? AND ?`, scope, start, end)
	if err != nil {
		return nil, fmt.Errorf("query reserved ports: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	held := make(map[int]struct{})
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan reserved port: %w", err)
		}
		held[p] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reserved ports: %w", err)
	}
	return held, nil
}

// probeFree reports whether the kernel will let us bind the port right now.
func probeFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// AllocateRange implements Allocator.
func (h *Host) AllocateRange(ctx context.Context, scope string, start, end, count int, contiguous bool) ([]int, error) {
	if count <= 0 || start > end {
		return nil, fmt.Errorf("allocate %d ports in [%d, %d]: invalid request", count, start, end)
	}

	fl, err := h.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer h.releaseLock(fl)

	db, err := h.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			h.log.Warn("close port ledger", "error", closeErr)
		}
	}()

	held, err := reservedInRange(ctx, db, scope, start, end)
	if err != nil {
		return nil, err
	}
	free := func(p int) bool {
		_, taken := held[p]
		return !taken && probeFree(p)
	}

	var picked []int
	if contiguous {
		for p := start; p+count-1 <= end && picked == nil; p++ {
			run := true
			for q := p; q < p+count; q++ {
				if !free(q) {
					run = false
					break
				}
			}
			if run {
				picked = make([]int, 0, count)
				for q := p; q < p+count; q++ {
					picked = append(picked, q)
				}
			}
		}
	} else {
		for p := start; p <= end && len(picked) < count; p++ {
			if free(p) {
				picked = append(picked, p)
			}
		}
		if len(picked) < count {
			picked = nil
		}
	}
	if picked == nil {
		return nil, fmt.Errorf("allocate %d ports in [%d, %d] for scope %q: %w",
			count, start, end, scope, ErrExhausted)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin port reservation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
	for _, p := range picked {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ports (scope, port) VALUES (?, ?)`, scope, p); err != nil {
			return nil, fmt.Errorf("record reserved port %d: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit port reservation: %w", err)
	}

	h.log.Debug("reserved ports", "scope", scope, "ports", picked)
	return picked, nil
}

// Free implements Allocator.
func (h *Host) Free(scope string, port int) error {
	ctx := context.Background()
	fl, err := h.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer h.releaseLock(fl)

	db, err := h.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			h.log.Warn("close port ledger", "error", closeErr)
		}
	}()

	res, err := db.ExecContext(ctx,
		`DELETE FROM ports WHERE scope = ? AND port = ?`, scope, port)
	if err != nil {
		return fmt.Errorf("free port %d in scope %q: %w", port, scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("free port %d in scope %q: %w", port, scope, err)
	}
	if n == 0 {
		return fmt.Errorf("free port %d in scope %q: not reserved", port, scope)
	}
	return nil
}
