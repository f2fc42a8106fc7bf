package bridge

import "github.com/hedgeedge/core/internal/domain"

// PositionDiff is the outcome of comparing two position lists by ticket.
type PositionDiff struct {
	Opened []domain.Position
	Closed []domain.Position
}

// DiffPositions compares the previous and current position lists by ID.
// Positions present only in current are opened; positions present only in
// previous are closed. Used to synthesize events for peers that do not push
// them (non event-driven agents and polled slaves).
func DiffPositions(previous, current []domain.Position) PositionDiff {
	prevByID := make(map[string]domain.Position, len(previous))
	for _, p := range previous {
		prevByID[p.ID] = p
	}

	var diff PositionDiff
	seen := make(map[string]bool, len(current))
	for _, p := range current {
		seen[p.ID] = true
		if _, ok := prevByID[p.ID]; !ok {
			diff.Opened = append(diff.Opened, p)
		}
	}
	for _, p := range previous {
		if !seen[p.ID] {
			diff.Closed = append(diff.Closed, p)
		}
	}
	return diff
}
