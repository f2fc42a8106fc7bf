package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hedgeedge/core/internal/domain"
)

func pos(id string) domain.Position {
	return domain.Position{ID: id, Symbol: "EURUSD", Side: domain.SideBuy}
}

func TestDiffPositions(t *testing.T) {
	previous := []domain.Position{pos("1"), pos("2"), pos("3")}
	current := []domain.Position{pos("2"), pos("3"), pos("4")}

	diff := DiffPositions(previous, current)

	assert.Len(t, diff.Opened, 1)
	assert.Equal(t, "4", diff.Opened[0].ID)
	assert.Len(t, diff.Closed, 1)
	assert.Equal(t, "1", diff.Closed[0].ID)
}

func TestDiffPositionsNoChange(t *testing.T) {
	list := []domain.Position{pos("1"), pos("2")}
	diff := DiffPositions(list, list)
	assert.Empty(t, diff.Opened)
	assert.Empty(t, diff.Closed)
}

func TestDiffPositionsFromEmpty(t *testing.T) {
	diff := DiffPositions(nil, []domain.Position{pos("1")})
	assert.Len(t, diff.Opened, 1)
	assert.Empty(t, diff.Closed)

	diff = DiffPositions([]domain.Position{pos("1")}, nil)
	assert.Empty(t, diff.Opened)
	assert.Len(t, diff.Closed, 1)
}
