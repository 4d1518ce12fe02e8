package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by HandleMessage for events with no handler.
var ErrUnknownEvent = errors.New("unknown event")

// SendFunc queues an outbound envelope on a connection.
type SendFunc func(event string, ack uint64, payload any) error

// HandleMessage decodes raw and routes it to the handler registered for its
// event. Replies go back through send as "ack" envelopes.
func HandleMessage(ctx context.Context, connID string, raw []byte, reg *Registry, send SendFunc) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	reply := func(payload any) {
		if msg.Ack == 0 {
			return
		}
		_ = send(EventAck, msg.Ack, payload)
	}

	h, ok := reg.Lookup(msg.Event)
	if !ok {
		if msg.Ack != 0 {
			_ = send(EventError, msg.Ack, ErrorPayload{Message: "unknown event " + msg.Event})
		}
		return fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}

	return h(ctx, connID, msg, reply)
}
