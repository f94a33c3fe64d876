// Package spatial provides the uniform-grid spatial index used for
// neighbor lookups.
package spatial

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/pthm-cable/swarm/components"
)

// ErrNonFinitePosition is returned when a NaN or infinite position is
// inserted. Such agents are never indexed.
var ErrNonFinitePosition = errors.New("spatial: non-finite position")

// ErrNotIndexed is returned by Update and Remove for an ID the grid does
// not hold. Update still inserts the ID.
var ErrNotIndexed = errors.New("spatial: id not indexed")

// Neighbor holds a nearby agent with precomputed spatial data.
type Neighbor struct {
	ID     components.AgentID
	Delta  components.Vec // neighbor position minus query origin
	DistSq float64
}

// Entry is one agent handed to Rebuild.
type Entry struct {
	ID       components.AgentID
	Position components.Vec
}

// CellKey is a discretized grid coordinate. Components saturate at
// ±keyLimit; a saturated cell extends to infinity on its outer side.
type CellKey struct {
	X, Y, Z int64
}

// keyLimit is the largest cell coordinate. Every integer up to it is
// exact in float64.
const keyLimit = 1 << 53

type slot struct {
	cell CellKey
	pos  components.Vec
	idx  int // index into cells[cell]
}

// Grid is an unbounded 3D uniform grid keyed by floor(position / cellSize).
//
// Mutating methods (Rebuild, Insert, Update, Remove) need exclusive
// access. Query methods only read and are safe for concurrent use when no
// mutation is in progress.
type Grid struct {
	cellSize float64
	invCell  float64
	cells    map[CellKey][]components.AgentID
	slots    map[components.AgentID]slot
}

// NewGrid creates an empty grid.
func NewGrid(cellSize float64) *Grid {
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		panic(fmt.Sprintf("spatial: invalid cell size %v", cellSize))
	}
	return &Grid{
		cellSize: cellSize,
		invCell:  1 / cellSize,
		cells:    make(map[CellKey][]components.AgentID),
		slots:    make(map[components.AgentID]slot),
	}
}

// CellSize returns the edge length of one cell.
func (g *Grid) CellSize() float64 { return g.cellSize }

// Len returns the number of indexed agents.
func (g *Grid) Len() int { return len(g.slots) }

// Cells returns the number of occupied cells.
func (g *Grid) Cells() int { return len(g.cells) }

// Contains reports whether id is indexed.
func (g *Grid) Contains(id components.AgentID) bool {
	_, ok := g.slots[id]
	return ok
}

// CellOf returns the cell holding id.
func (g *Grid) CellOf(id components.AgentID) (CellKey, bool) {
	s, ok := g.slots[id]
	return s.cell, ok
}

// IDs returns every indexed ID in ascending order.
func (g *Grid) IDs() []components.AgentID {
	ids := make([]components.AgentID, 0, len(g.slots))
	for id := range g.slots {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Key discretizes a position. Points on a cell boundary belong to the cell
// floor division yields, never to two cells.
func (g *Grid) Key(p components.Vec) CellKey {
	return CellKey{
		X: floorCoord(p.X / g.cellSize),
		Y: floorCoord(p.Y / g.cellSize),
		Z: floorCoord(p.Z / g.cellSize),
	}
}

func floorCoord(v float64) int64 {
	f := math.Floor(v)
	if f >= keyLimit {
		return keyLimit
	}
	if f <= -keyLimit {
		return -keyLimit
	}
	return int64(f)
}

// Rebuild discards all bucket state and reinserts every entry from
// scratch. A positive cellSize replaces the current one. Entries with
// non-finite positions are skipped; the number skipped is returned.
func (g *Grid) Rebuild(entries []Entry, cellSize float64) int {
	if cellSize > 0 && !math.IsInf(cellSize, 0) {
		g.cellSize = cellSize
		g.invCell = 1 / cellSize
	}
	clear(g.cells)
	clear(g.slots)

	skipped := 0
	for _, e := range entries {
		if err := g.Insert(e.ID, e.Position); err != nil {
			skipped++
			slog.Warn("spatial: rebuild skipped entry", "agent", e.ID, "error", err)
		}
	}
	return skipped
}

// Insert adds id at p. An already indexed id is moved instead.
func (g *Grid) Insert(id components.AgentID, p components.Vec) error {
	if !components.Finite(p) {
		return ErrNonFinitePosition
	}
	if s, ok := g.slots[id]; ok {
		g.move(id, s, p)
		return nil
	}
	g.place(id, g.Key(p), p)
	return nil
}

// Update moves id from old to p. Bucket membership only changes when the
// discretized cell changes. An unknown id is inserted and ErrNotIndexed is
// returned so the caller can account for the stale state.
func (g *Grid) Update(id components.AgentID, old, p components.Vec) error {
	if !components.Finite(p) {
		return ErrNonFinitePosition
	}
	s, ok := g.slots[id]
	if !ok {
		g.place(id, g.Key(p), p)
		return ErrNotIndexed
	}
	if components.Finite(old) && g.Key(old) != s.cell {
		slog.Debug("spatial: update origin disagrees with indexed cell", "agent", id)
	}
	g.move(id, s, p)
	return nil
}

// Remove deletes id from the grid.
func (g *Grid) Remove(id components.AgentID) error {
	s, ok := g.slots[id]
	if !ok {
		return ErrNotIndexed
	}
	g.unlink(s)
	delete(g.slots, id)
	return nil
}

func (g *Grid) move(id components.AgentID, s slot, p components.Vec) {
	key := g.Key(p)
	if key == s.cell {
		s.pos = p
		g.slots[id] = s
		return
	}
	g.unlink(s)
	g.place(id, key, p)
}

func (g *Grid) place(id components.AgentID, key CellKey, p components.Vec) {
	bucket := g.cells[key]
	g.slots[id] = slot{cell: key, pos: p, idx: len(bucket)}
	g.cells[key] = append(bucket, id)
}

// unlink swap-removes the slot's id from its bucket.
func (g *Grid) unlink(s slot) {
	bucket := g.cells[s.cell]
	last := len(bucket) - 1
	if s.idx != last {
		moved := bucket[last]
		bucket[s.idx] = moved
		ms := g.slots[moved]
		ms.idx = s.idx
		g.slots[moved] = ms
	}
	bucket = bucket[:last]
	if len(bucket) == 0 {
		delete(g.cells, s.cell)
		return
	}
	g.cells[s.cell] = bucket
}

// QueryRadiusInto appends every agent within radius of p (inclusive) to
// dst, sorted by ID, and returns the extended slice. The result is exact.
// A non-finite point or radius yields no results.
func (g *Grid) QueryRadiusInto(dst []Neighbor, p components.Vec, radius float64) []Neighbor {
	start := len(dst)
	dst, _ = g.query(dst, p, radius)
	slices.SortFunc(dst[start:], func(a, b Neighbor) int { return cmp.Compare(a.ID, b.ID) })
	return dst
}

// QueryRadius returns the IDs within radius of p in ascending order.
func (g *Grid) QueryRadius(p components.Vec, radius float64) []components.AgentID {
	neighbors := g.QueryRadiusInto(nil, p, radius)
	ids := make([]components.AgentID, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.ID
	}
	return ids
}

// Probe reports how many candidates a query inspects and how many of them
// pass the exact distance filter.
func (g *Grid) Probe(p components.Vec, radius float64) (candidates, matches int) {
	var dst []Neighbor
	dst, candidates = g.query(dst, p, radius)
	return candidates, len(dst)
}

func (g *Grid) query(dst []Neighbor, p components.Vec, radius float64) ([]Neighbor, int) {
	if !components.Finite(p) || math.IsNaN(radius) || radius < 0 {
		return dst, 0
	}
	radiusSq := radius * radius

	// Degrade to a scan of occupied cells once the ring volume exceeds it.
	rings := math.Ceil(radius * g.invCell)
	side := 2*rings + 1
	if math.IsInf(radius, 1) || side*side*side > float64(len(g.cells)) {
		candidates := 0
		for key, bucket := range g.cells {
			if g.cellDistSq(key, p) > radiusSq {
				continue
			}
			candidates += len(bucket)
			dst = g.filter(dst, bucket, p, radiusSq)
		}
		return dst, candidates
	}

	r := int64(rings)
	center := g.Key(p)
	candidates := 0
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			for dz := -r; dz <= r; dz++ {
				key := CellKey{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz}
				if !inKeyRange(key) {
					continue
				}
				bucket, ok := g.cells[key]
				if !ok || g.cellDistSq(key, p) > radiusSq {
					continue
				}
				candidates += len(bucket)
				dst = g.filter(dst, bucket, p, radiusSq)
			}
		}
	}
	return dst, candidates
}

func (g *Grid) filter(dst []Neighbor, bucket []components.AgentID, p components.Vec, radiusSq float64) []Neighbor {
	for _, id := range bucket {
		pos := g.slots[id].pos
		d := components.Vec{X: pos.X - p.X, Y: pos.Y - p.Y, Z: pos.Z - p.Z}
		distSq := d.X*d.X + d.Y*d.Y + d.Z*d.Z
		if distSq <= radiusSq {
			dst = append(dst, Neighbor{ID: id, Delta: d, DistSq: distSq})
		}
	}
	return dst
}

func inKeyRange(k CellKey) bool {
	in := func(c int64) bool { return c >= -keyLimit && c <= keyLimit }
	return in(k.X) && in(k.Y) && in(k.Z)
}

// cellDistSq returns a lower bound on the squared distance from p to the
// cell's box. Saturated cells are unbounded on their outer side, and the
// bound is loosened by the rounding error of the box corners so the prune
// never drops a true neighbor.
func (g *Grid) cellDistSq(key CellKey, p components.Vec) float64 {
	axis := func(c int64, v float64) float64 {
		lo := float64(c) * g.cellSize
		hi := lo + g.cellSize
		if c <= -keyLimit {
			lo = math.Inf(-1)
		}
		if c >= keyLimit {
			hi = math.Inf(1)
		}
		var d float64
		switch {
		case v < lo:
			d = lo - v
		case v > hi:
			d = v - hi
		default:
			return 0
		}
		slack := 1e-12 * (math.Abs(v) + g.cellSize)
		return max(d-slack, 0)
	}
	dx := axis(key.X, p.X)
	dy := axis(key.Y, p.Y)
	dz := axis(key.Z, p.Z)
	return dx*dx + dy*dy + dz*dz
}

// Validate checks bucket membership: every indexed ID sits in exactly one
// bucket, at the recorded slot, in the cell its position discretizes to.
func (g *Grid) Validate() error {
	seen := make(map[components.AgentID]CellKey, len(g.slots))
	total := 0
	for key, bucket := range g.cells {
		if len(bucket) == 0 {
			return fmt.Errorf("spatial: empty bucket %v retained", key)
		}
		for i, id := range bucket {
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("spatial: agent %d in cells %v and %v", id, prev, key)
			}
			seen[id] = key
			s, ok := g.slots[id]
			if !ok {
				return fmt.Errorf("spatial: agent %d in cell %v has no slot", id, key)
			}
			if s.cell != key || s.idx != i {
				return fmt.Errorf("spatial: agent %d slot %v/%d disagrees with cell %v/%d", id, s.cell, s.idx, key, i)
			}
			if g.Key(s.pos) != key {
				return fmt.Errorf("spatial: agent %d position maps to %v, stored in %v", id, g.Key(s.pos), key)
			}
		}
		total += len(bucket)
	}
	if total != len(g.slots) {
		return fmt.Errorf("spatial: %d bucket entries for %d slots", total, len(g.slots))
	}
	return nil
}
