package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hedgeedge/core/internal/events"
)

const wsWriteTimeout = 5 * time.Second

// EventsWSHandler streams bus events over a websocket for hosts that prefer
// a bidirectional channel over SSE.
type EventsWSHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsWSHandler creates the websocket handler.
func NewEventsWSHandler(bus *events.Bus, log zerolog.Logger) *EventsWSHandler {
	return &EventsWSHandler{
		bus: bus,
		log: log.With().Str("component", "events_ws").Logger(),
	}
}

// ServeHTTP handles GET /api/events/ws.
func (h *EventsWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The host UI renderer is not a browser origin we can enumerate.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	h.log.Info().Msg("Client connected to websocket event stream")

	eventChan := make(chan *events.Event, 100)
	unsubscribe := h.bus.SubscribeAll(func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
		}
	})
	defer unsubscribe()

	ctx := r.Context()

	// Reads only serve to detect the peer closing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			h.log.Info().Msg("Websocket client disconnected")
			return
		case event := <-eventChan:
			if err := h.writeEvent(ctx, conn, event); err != nil {
				h.log.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		}
	}
}

func (h *EventsWSHandler) writeEvent(ctx context.Context, conn *websocket.Conn, event *events.Event) error {
	payload, err := json.Marshal(map[string]interface{}{
		"type":       string(event.Type),
		"module":     event.Module,
		"terminalId": event.TerminalID,
		"timestamp":  event.Timestamp.Format(time.RFC3339),
		"data":       event.Data,
	})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
