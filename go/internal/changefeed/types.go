// Package changefeed relays committed catalog changes from the store's outbox
// to NATS JetStream and delivers them to subscribers such as the mirroring
// engine. Delivery is at least once; handlers must be idempotent.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcdev12/hacktracker/go/internal/kv"
)

// Publisher sends one change to the bus.
type Publisher interface {
	Publish(ctx context.Context, ev kv.ChangeEvent) error
}

// Handler processes one delivered change.
type Handler interface {
	OnSourceChanged(ctx context.Context, ev kv.ChangeEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev kv.ChangeEvent) error

// OnSourceChanged calls f.
func (f HandlerFunc) OnSourceChanged(ctx context.Context, ev kv.ChangeEvent) error {
	return f(ctx, ev)
}

// Subject returns the bus subject a change is published on, e.g.
// catalog.changes.season.
func Subject(prefix string, ev kv.ChangeEvent) string {
	return fmt.Sprintf("%s.%s", prefix, strings.ToLower(string(ev.Type)))
}

// Encode serializes a change for the bus.
func Encode(ev kv.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal change: %w", err)
	}
	return data, nil
}

// Decode parses a change read from the bus.
func Decode(data []byte) (kv.ChangeEvent, error) {
	var ev kv.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return kv.ChangeEvent{}, fmt.Errorf("unmarshal change: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return kv.ChangeEvent{}, fmt.Errorf("change is missing id or type")
	}
	return ev, nil
}
