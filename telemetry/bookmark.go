package telemetry

import (
	"fmt"
	"log/slog"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkScalingEngaged     BookmarkType = "scaling_engaged"
	BookmarkBudgetRecovered    BookmarkType = "budget_recovered"
	BookmarkDegenerateBurst    BookmarkType = "degenerate_burst"
	BookmarkInvariantViolation BookmarkType = "invariant_violation"
	BookmarkFlockFormed        BookmarkType = "flock_formed"
	BookmarkStableFlock        BookmarkType = "stable_flock"
)

// Flock thresholds on polarization.
const (
	flockFormedPolarization = 0.9
	flockBrokenPolarization = 0.6
)

// Bookmark represents an automatically triggered bookmark.
type Bookmark struct {
	Type        BookmarkType `csv:"type" json:"type"`
	Tick        uint64       `csv:"tick" json:"tick"`
	Description string       `csv:"description" json:"description"`
}

// LogValue implements slog.LogValuer.
func (b Bookmark) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(b.Type)),
		slog.Uint64("tick", b.Tick),
		slog.String("description", b.Description),
	)
}

// BookmarkDetector detects interesting moments in a run.
type BookmarkDetector struct {
	// Rolling history (circular buffer)
	history     []WindowStats
	historySize int
	historyIdx  int
	historyFull bool

	// State tracking
	scaled            bool // last window ended with scale > 1
	flocked           bool // polarization crossed the formed threshold and has not broken
	stableWindowCount int  // consecutive windows with steady flock shape
}

// NewBookmarkDetector creates a detector with the given history size.
func NewBookmarkDetector(historySize int) *BookmarkDetector {
	if historySize < 5 {
		historySize = 5 // minimum for stable flock detection
	}
	return &BookmarkDetector{
		history:     make([]WindowStats, historySize),
		historySize: historySize,
	}
}

// Check analyzes the latest stats and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(stats WindowStats) []Bookmark {
	var bookmarks []Bookmark

	for _, check := range []func(WindowStats) *Bookmark{
		bd.checkScaling,
		bd.checkDegenerateBurst,
		bd.checkInvariantViolation,
		bd.checkFlockFormed,
		bd.checkStableFlock,
	} {
		if b := check(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}
	}

	bd.addToHistory(stats)
	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(stats WindowStats) {
	bd.history[bd.historyIdx] = stats
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

// getHistory returns past windows oldest first.
func (bd *BookmarkDetector) getHistory() []WindowStats {
	if !bd.historyFull {
		return bd.history[:bd.historyIdx]
	}
	ordered := make([]WindowStats, 0, bd.historySize)
	ordered = append(ordered, bd.history[bd.historyIdx:]...)
	return append(ordered, bd.history[:bd.historyIdx]...)
}

func (bd *BookmarkDetector) checkScaling(stats WindowStats) *Bookmark {
	wasScaled := bd.scaled
	bd.scaled = stats.Scale > 1

	switch {
	case !wasScaled && bd.scaled:
		return &Bookmark{
			Type:        BookmarkScalingEngaged,
			Tick:        stats.WindowEndTick,
			Description: fmt.Sprintf("LOD scale rose to %.2f after %d over-budget ticks (mean tick %.0fus)", stats.Scale, stats.ScaledTicks, stats.TickMeanUS),
		}
	case wasScaled && !bd.scaled:
		return &Bookmark{
			Type:        BookmarkBudgetRecovered,
			Tick:        stats.WindowEndTick,
			Description: fmt.Sprintf("LOD scale back to 1 (mean tick %.0fus)", stats.TickMeanUS),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkDegenerateBurst(stats WindowStats) *Bookmark {
	if stats.Degenerate == 0 {
		return nil
	}

	var total int
	history := bd.getHistory()
	for _, h := range history {
		total += h.Degenerate
	}
	avg := 0.0
	if len(history) > 0 {
		avg = float64(total) / float64(len(history))
	}

	if float64(stats.Degenerate) > avg*2 {
		return &Bookmark{
			Type:        BookmarkDegenerateBurst,
			Tick:        stats.WindowEndTick,
			Description: fmt.Sprintf("%d degenerate agent updates (window average %.1f)", stats.Degenerate, avg),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkInvariantViolation(stats WindowStats) *Bookmark {
	if stats.Violations == 0 {
		return nil
	}
	return &Bookmark{
		Type:        BookmarkInvariantViolation,
		Tick:        stats.WindowEndTick,
		Description: fmt.Sprintf("%d index invariant violations self-healed", stats.Violations),
	}
}

func (bd *BookmarkDetector) checkFlockFormed(stats WindowStats) *Bookmark {
	if bd.flocked {
		if stats.Polarization < flockBrokenPolarization {
			bd.flocked = false
		}
		return nil
	}
	if stats.Polarization < flockFormedPolarization || stats.Agents < 10 {
		return nil
	}
	bd.flocked = true
	return &Bookmark{
		Type:        BookmarkFlockFormed,
		Tick:        stats.WindowEndTick,
		Description: fmt.Sprintf("Polarization reached %.2f with %d agents", stats.Polarization, stats.Agents),
	}
}

func (bd *BookmarkDetector) checkStableFlock(stats WindowStats) *Bookmark {
	if stats.Agents < 10 || stats.SpacingMean == 0 {
		bd.stableWindowCount = 0
		return nil
	}

	history := bd.getHistory()
	if len(history) < 4 {
		return nil
	}
	recent := history[len(history)-4:]

	var polSum, spaceSum float64
	for _, h := range recent {
		polSum += h.Polarization
		spaceSum += h.SpacingMean
	}
	polMean := polSum / 4
	spaceMean := spaceSum / 4

	var polVar, spaceVar float64
	for _, h := range recent {
		pd := h.Polarization - polMean
		sd := h.SpacingMean - spaceMean
		polVar += pd * pd
		spaceVar += sd * sd
	}
	polVar /= 4
	spaceVar /= 4

	// CV^2 < 0.01 means CV < 0.1
	steady := polMean > 0 && spaceMean > 0 &&
		polVar/(polMean*polMean) < 0.01 &&
		spaceVar/(spaceMean*spaceMean) < 0.01

	if steady {
		bd.stableWindowCount++
	} else {
		bd.stableWindowCount = 0
	}

	if bd.stableWindowCount == 5 { // trigger exactly once per stable run
		return &Bookmark{
			Type:        BookmarkStableFlock,
			Tick:        stats.WindowEndTick,
			Description: fmt.Sprintf("Flock shape steady over 5+ windows (polarization %.2f, spacing %.2f)", stats.Polarization, stats.SpacingMean),
		}
	}
	return nil
}
