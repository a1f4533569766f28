// Package rpc provides cast/call messaging between the control plane and
// worker services over the shared Redis instance. Destinations are either a
// bare topic, consumed by any worker subscribed to it, or topic.host for a
// specific worker.
package rpc

import (
	"context"
	"encoding/json"

	"github.com/wisbric/cumulus/internal/auth"
)

// Envelope is the wire form of one RPC message.
type Envelope struct {
	Method  string               `json:"method"`
	Args    map[string]any       `json:"args"`
	MsgID   string               `json:"msg_id,omitempty"`
	ReplyTo string               `json:"reply_to,omitempty"`
	Context *auth.RequestContext `json:"context,omitempty"`
}

// Reply is the wire form of a call response.
type Reply struct {
	MsgID  string          `json:"msg_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Bus sends messages to worker topics. Messages to the same topic.host from
// one producer arrive in producer order; delivery is at least once, so
// destructive methods must be idempotent on the worker side.
type Bus interface {
	// Cast sends a fire-and-forget message.
	Cast(ctx context.Context, dest string, env Envelope) error
	// Call sends a message and blocks for the reply until the configured
	// deadline, returning the raw result payload.
	Call(ctx context.Context, dest string, env Envelope) (json.RawMessage, error)
}

// Handler processes one inbound message on a worker. The returned value is
// marshalled into the reply for call messages and discarded for casts.
type Handler func(ctx context.Context, env Envelope) (any, error)

// Dest joins a topic with a host into a direct destination.
func Dest(topic, host string) string {
	return topic + "." + host
}
