package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/pthm-cable/swarm/components"
)

// SnapshotVersion is incremented when the format changes.
const SnapshotVersion = 1

// SnapshotHeader is written as the first line of a snapshot file so tools
// can identify a file without decoding the population.
type SnapshotHeader struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
	Agents  int    `json:"agents"`
}

// Snapshot holds the complete simulation state for record and replay.
type Snapshot struct {
	Header SnapshotHeader `json:"header"`

	Seed     int64      `json:"seed"`
	Tick     uint64     `json:"tick"`
	Scale    float64    `json:"scale"`
	CellSize float64    `json:"cell_size"`
	Viewer   [3]float64 `json:"viewer"`

	Agents []AgentState `json:"agents"`

	Bookmark *Bookmark `json:"bookmark,omitempty"`
}

// AgentState holds one agent's complete state.
type AgentState struct {
	components.Agent
	Updated bool `json:"updated"` // false if the agent has never been stepped
}

// SnapshotFileName returns the file name a snapshot is saved under.
func SnapshotFileName(snapshot *Snapshot) string {
	name := fmt.Sprintf("snapshot_%d", snapshot.Tick)
	if snapshot.Bookmark != nil {
		sanitized := strings.ReplaceAll(string(snapshot.Bookmark.Type), " ", "_")
		name = fmt.Sprintf("snapshot_%d_%s", snapshot.Tick, sanitized)
	}
	return name + ".json.zst"
}

// SaveSnapshot writes a zstd-compressed snapshot into dir.
// Returns the filepath where it was saved.
func SaveSnapshot(snapshot *Snapshot, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	snapshot.Header = SnapshotHeader{
		Version: SnapshotVersion,
		Tick:    snapshot.Tick,
		Agents:  len(snapshot.Agents),
	}
	path := filepath.Join(dir, SnapshotFileName(snapshot))

	if err := writeSnapshot(path, snapshot); err != nil {
		return "", err
	}
	return path, nil
}

func writeSnapshot(path string, snapshot *Snapshot) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close snapshot: %w", cerr)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snapshot.Header)
	if err != nil {
		enc.Close()
		return fmt.Errorf("marshal snapshot header: %w", err)
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		enc.Close()
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := json.NewEncoder(bw).Encode(snapshot); err != nil {
		enc.Close()
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot from disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	var header SnapshotHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot header: %w", err)
	}
	if header.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d not supported (want %d)", header.Version, SnapshotVersion)
	}

	var snapshot Snapshot
	if err := json.NewDecoder(br).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if len(snapshot.Agents) != header.Agents {
		return nil, fmt.Errorf("snapshot header lists %d agents, body has %d", header.Agents, len(snapshot.Agents))
	}
	return &snapshot, nil
}
