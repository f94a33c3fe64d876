package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestTickDBRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "ticks.db")
	db, err := OpenTickDB(path)
	if err != nil {
		t.Fatalf("OpenTickDB: %v", err)
	}

	for i := uint64(1); i <= 4; i++ {
		db.WriteWindow(WindowStats{
			WindowStartTick: (i - 1) * 100,
			WindowEndTick:   i * 100,
			Agents:          50,
			UpdatedMean:     12.5,
			Polarization:    0.1 * float64(i),
		})
	}
	db.WriteBookmark(Bookmark{Type: BookmarkFlockFormed, Tick: 300, Description: "formed"})
	db.RecordSnapshot("/tmp/snapshot_200.json.zst", &Snapshot{Tick: 200, Seed: 9, Scale: 1})
	db.RecordSnapshot("/tmp/snapshot_400.json.zst", &Snapshot{Tick: 400, Seed: 9, Scale: 2})

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Writes after close are ignored rather than panicking on the closed queue.
	db.WriteWindow(WindowStats{WindowEndTick: 999})

	db, err = OpenTickDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	windows, err := db.Windows(ctx, 200, 300)
	if err != nil {
		t.Fatal(err)
	}
	if len(windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(windows))
	}
	if windows[0].WindowEndTick != 200 || windows[1].WindowEndTick != 300 {
		t.Errorf("window order: %d, %d", windows[0].WindowEndTick, windows[1].WindowEndTick)
	}
	if windows[0].WindowStartTick != 100 || windows[0].Agents != 50 || windows[0].UpdatedMean != 12.5 {
		t.Errorf("window fields = %+v", windows[0])
	}

	tests := []struct {
		tick     uint64
		wantPath string
		wantTick uint64
		wantOK   bool
	}{
		{100, "", 0, false},
		{200, "/tmp/snapshot_200.json.zst", 200, true},
		{399, "/tmp/snapshot_200.json.zst", 200, true},
		{10000, "/tmp/snapshot_400.json.zst", 400, true},
	}
	for _, tt := range tests {
		p, at, ok, err := db.LatestSnapshot(ctx, tt.tick)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tt.wantOK || p != tt.wantPath || at != tt.wantTick {
			t.Errorf("LatestSnapshot(%d) = %q, %d, %v; want %q, %d, %v",
				tt.tick, p, at, ok, tt.wantPath, tt.wantTick, tt.wantOK)
		}
	}
}

func TestOpenTickDBEmptyPath(t *testing.T) {
	if _, err := OpenTickDB(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestTickDBNilSafe(t *testing.T) {
	var db *TickDB
	db.WriteWindow(WindowStats{})
	db.WriteBookmark(Bookmark{})
	if err := db.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

// A queued row must not hold the single connection while the queue is idle.
func TestTickDBReadWhileWritePending(t *testing.T) {
	db, err := OpenTickDB(filepath.Join(t.TempDir(), "ticks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	db.WriteWindow(WindowStats{WindowStartTick: 0, WindowEndTick: 60, Agents: 10})

	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		windows, err := db.Windows(ctx, 0, 100)
		cancel()
		if err != nil {
			t.Fatalf("Windows while write pending: %v", err)
		}
		if len(windows) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued window never became visible to readers")
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, _, err := db.LatestSnapshot(ctx, 100); err != nil {
		t.Errorf("LatestSnapshot while idle: %v", err)
	}
}
