package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"loaner/core/events"
	"loaner/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsSubscriberSize = 64
)

type streamMessage struct {
	Sequence uint64       `json:"sequence"`
	Cursor   string       `json:"cursor"`
	Event    *types.Event `json:"event"`
}

// streamEvents upgrades the request to a websocket and relays protocol events.
// A cursor query parameter replays retained history after that cursor and a
// comma separated types parameter filters events by type prefix.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	filter := parseTypeFilter(r.URL.Query().Get("types"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads are only needed to observe the client closing the socket.
	ctx := conn.CloseRead(r.Context())
	if err := s.relay(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) relay(ctx context.Context, conn *websocket.Conn, cursor string, filter []string) error {
	updates, cancel, backlog := s.events.Subscribe(ctx, cursor, wsSubscriberSize)
	defer cancel()

	for _, evt := range backlog {
		if err := writeStamped(ctx, conn, evt, filter); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStamped(ctx, conn, evt, filter); err != nil {
				return err
			}
		}
	}
}

func writeStamped(ctx context.Context, conn *websocket.Conn, evt events.Stamped, filter []string) error {
	if evt.Event == nil || !matchesType(evt.Event.Type, filter) {
		return nil
	}
	data, err := json.Marshal(streamMessage{Sequence: evt.Sequence, Cursor: evt.Cursor, Event: evt.Event})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseTypeFilter(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func matchesType(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, prefix := range filter {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}
