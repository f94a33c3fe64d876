package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// TickDB indexes window statistics, bookmarks and snapshot files in SQLite.
// Writes are queued and applied by a single writer goroutine so the tick
// loop never blocks on disk; when the queue is full rows are dropped and
// counted.
type TickDB struct {
	db *sql.DB

	ch   chan dbReq
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Int64
}

type dbReqKind int

const (
	reqWindow dbReqKind = iota + 1
	reqBookmark
	reqSnapshot
)

type dbReq struct {
	kind     dbReqKind
	window   WindowStats
	bookmark Bookmark
	snapshot snapshotRow
}

type snapshotRow struct {
	Tick   uint64
	Path   string
	Seed   int64
	Agents int
	Scale  float64
}

const (
	dbQueueSize     = 4096
	dbCommitEvery   = 256
	dbCommitMaxWait = time.Second
	dbCommitTick    = 100 * time.Millisecond // idle flush cadence
)

// OpenTickDB opens (or creates) the database at path and starts the writer.
func OpenTickDB(path string) (*TickDB, error) {
	if path == "" {
		return nil, errors.New("tickdb: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("tickdb: creating directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tickdb: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	t := &TickDB{
		db: db,
		ch: make(chan dbReq, dbQueueSize),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.loop()
	}()
	return t, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("tickdb: %s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS windows (
			window_end INTEGER PRIMARY KEY,
			window_start INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			updated_mean REAL NOT NULL,
			neighbors_mean REAL NOT NULL,
			degenerate INTEGER NOT NULL,
			violations INTEGER NOT NULL,
			scale REAL NOT NULL,
			tick_mean_us REAL NOT NULL,
			polarization REAL NOT NULL,
			spacing_mean REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bookmarks (
			tick INTEGER NOT NULL,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			PRIMARY KEY (tick, type)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			scale REAL NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("tickdb: schema: %w", err)
		}
	}
	return nil
}

// Close drains the queue, commits and closes the database.
func (t *TickDB) Close() error {
	if t == nil {
		return nil
	}
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.ch)
		t.wg.Wait()
		if n := t.dropped.Load(); n > 0 {
			slog.Warn("tickdb: rows dropped under load", "dropped", n)
		}
		err = t.db.Close()
	})
	return err
}

func (t *TickDB) enqueue(r dbReq) {
	if t == nil || t.closed.Load() {
		return
	}
	select {
	case t.ch <- r:
	default:
		t.dropped.Add(1)
	}
}

// WriteWindow queues a window stats row.
func (t *TickDB) WriteWindow(stats WindowStats) {
	t.enqueue(dbReq{kind: reqWindow, window: stats})
}

// WriteBookmark queues a bookmark row.
func (t *TickDB) WriteBookmark(b Bookmark) {
	t.enqueue(dbReq{kind: reqBookmark, bookmark: b})
}

// RecordSnapshot queues a row pointing at a saved snapshot file.
func (t *TickDB) RecordSnapshot(path string, snap *Snapshot) {
	t.enqueue(dbReq{kind: reqSnapshot, snapshot: snapshotRow{
		Tick:   snap.Tick,
		Path:   path,
		Seed:   snap.Seed,
		Agents: len(snap.Agents),
		Scale:  snap.Scale,
	}})
}

// LatestSnapshot returns the path of the most recent indexed snapshot at or
// before tick. ok is false when none exists.
func (t *TickDB) LatestSnapshot(ctx context.Context, tick uint64) (path string, snapTick uint64, ok bool, err error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT path, tick FROM snapshots WHERE tick <= ? ORDER BY tick DESC LIMIT 1`, int64(tick))
	var at int64
	switch err := row.Scan(&path, &at); {
	case errors.Is(err, sql.ErrNoRows):
		return "", 0, false, nil
	case err != nil:
		return "", 0, false, fmt.Errorf("tickdb: latest snapshot: %w", err)
	}
	return path, uint64(at), true, nil
}

// Windows returns the stored windows ending in [from, to], oldest first.
func (t *TickDB) Windows(ctx context.Context, from, to uint64) ([]WindowStats, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT window_start, window_end, agents, updated_mean,
		neighbors_mean, degenerate, violations, scale, tick_mean_us, polarization, spacing_mean
		FROM windows WHERE window_end BETWEEN ? AND ? ORDER BY window_end`, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("tickdb: windows: %w", err)
	}
	defer rows.Close()

	var out []WindowStats
	for rows.Next() {
		var w WindowStats
		var start, end int64
		if err := rows.Scan(&start, &end, &w.Agents, &w.UpdatedMean, &w.NeighborsMean,
			&w.Degenerate, &w.Violations, &w.Scale, &w.TickMeanUS, &w.Polarization, &w.SpacingMean); err != nil {
			return nil, fmt.Errorf("tickdb: scan window: %w", err)
		}
		w.WindowStartTick, w.WindowEndTick = uint64(start), uint64(end)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *TickDB) loop() {
	ctx := context.Background()

	insertWindow, _ := t.db.Prepare(`INSERT OR REPLACE INTO windows(window_end,window_start,agents,updated_mean,
		neighbors_mean,degenerate,violations,scale,tick_mean_us,polarization,spacing_mean) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertBookmark, _ := t.db.Prepare(`INSERT OR REPLACE INTO bookmarks(tick,type,description) VALUES(?,?,?)`)
	insertSnapshot, _ := t.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,seed,agents,scale) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertWindow, insertBookmark, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Warn("tickdb: begin failed", "error", err)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			slog.Warn("tickdb: commit failed", "error", err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		slog.Warn("tickdb: write failed", "error", err)
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
	}

	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback(err)
			return
		}
		opCount++
	}

	apply := func(r dbReq) {
		begin()
		if tx == nil {
			t.dropped.Add(1)
			return
		}
		switch r.kind {
		case reqWindow:
			w := r.window
			exec(insertWindow, int64(w.WindowEndTick), int64(w.WindowStartTick), w.Agents, w.UpdatedMean,
				w.NeighborsMean, w.Degenerate, w.Violations, w.Scale, w.TickMeanUS, w.Polarization, w.SpacingMean)
		case reqBookmark:
			b := r.bookmark
			exec(insertBookmark, int64(b.Tick), string(b.Type), b.Description)
		case reqSnapshot:
			s := r.snapshot
			exec(insertSnapshot, int64(s.Tick), s.Path, s.Seed, s.Agents, s.Scale)
		}
		if tx != nil && (opCount >= dbCommitEvery || time.Since(lastCommit) >= dbCommitMaxWait) {
			commit()
		}
	}

	// The pool has a single connection, so an open transaction blocks
	// readers. The ticker bounds how long a quiet queue keeps it open.
	ticker := time.NewTicker(dbCommitTick)
	defer ticker.Stop()
	for {
		select {
		case r, ok := <-t.ch:
			if !ok {
				commit()
				return
			}
			apply(r)
		case <-ticker.C:
			commit()
		}
	}
}
