package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/wisbric/cumulus/pkg/apierr"
)

// MemoryBus is an in-process Bus for tests and single-node runs. Casts are
// recorded (and optionally dispatched to registered handlers); calls
// require a handler for the destination method.
type MemoryBus struct {
	mu       sync.Mutex
	sent     []Sent
	handlers map[string]Handler // keyed by dest + "/" + method
}

// Sent records one message passed through the bus.
type Sent struct {
	Dest string
	Kind string // cast or call
	Env  Envelope
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]Handler)}
}

// Handle registers a handler for dest and method. Destinations registered
// on a bare topic also receive topic.host traffic.
func (b *MemoryBus) Handle(dest, method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[dest+"/"+method] = h
}

func (b *MemoryBus) lookup(dest, method string) Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handlers[dest+"/"+method]; ok {
		return h
	}
	// Fall back from topic.host to topic.
	if i := strings.IndexByte(dest, '.'); i >= 0 {
		if h, ok := b.handlers[dest[:i]+"/"+method]; ok {
			return h
		}
	}
	return nil
}

func (b *MemoryBus) record(dest, kind string, env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, Sent{Dest: dest, Kind: kind, Env: env})
}

func (b *MemoryBus) Cast(ctx context.Context, dest string, env Envelope) error {
	b.record(dest, "cast", env)
	if h := b.lookup(dest, env.Method); h != nil {
		if _, err := h(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) Call(ctx context.Context, dest string, env Envelope) (json.RawMessage, error) {
	b.record(dest, "call", env)
	h := b.lookup(dest, env.Method)
	if h == nil {
		return nil, apierr.RPCTimeout("no handler for %s.%s", dest, env.Method)
	}
	result, err := h(ctx, env)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshalling result: %w", err)
	}
	return payload, nil
}

// Messages returns a copy of everything sent so far.
func (b *MemoryBus) Messages() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// MessagesTo returns the messages sent to one destination.
func (b *MemoryBus) MessagesTo(dest string) []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Sent
	for _, s := range b.sent {
		if s.Dest == dest {
			out = append(out, s)
		}
	}
	return out
}

var _ Bus = (*MemoryBus)(nil)
