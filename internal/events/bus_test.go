package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSubscribeRoutesByType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []*Event
	bus.Subscribe(PositionOpened, func(e *Event) { got = append(got, e) })

	bus.Emit(PositionOpened, "test", nil)
	bus.Emit(PositionClosed, "test", nil)

	assert.Len(t, got, 1)
	assert.Equal(t, PositionOpened, got[0].Type)
}

func TestSubscribeAllCancelStopsDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var first, second int
	cancel := bus.SubscribeAll(func(*Event) { first++ })
	bus.SubscribeAll(func(*Event) { second++ })

	bus.Emit(PositionOpened, "test", nil)
	cancel()
	bus.Emit(PositionClosed, "test", nil)
	cancel() // cancelling twice is harmless

	assert.Equal(t, 1, first, "cancelled handler must stop receiving")
	assert.Equal(t, 2, second, "remaining handler keeps receiving")
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var delivered int
	bus.SubscribeAll(func(*Event) { panic("consumer bug") })
	bus.SubscribeAll(func(*Event) { delivered++ })

	assert.NotPanics(t, func() { bus.Emit(PositionOpened, "test", nil) })
	assert.Equal(t, 1, delivered)
}
