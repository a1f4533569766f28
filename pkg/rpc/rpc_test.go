package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/wisbric/cumulus/internal/auth"
)

func TestDest(t *testing.T) {
	if got := Dest("compute", "node-1"); got != "compute.node-1" {
		t.Errorf("Dest() = %q", got)
	}
}

func TestMemoryBusRecordsCasts(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	err := bus.Cast(ctx, "compute", Envelope{Method: "run_instance", Args: map[string]any{"instance_id": int64(7)}})
	if err != nil {
		t.Fatal(err)
	}

	msgs := bus.MessagesTo("compute")
	if len(msgs) != 1 || msgs[0].Kind != "cast" || msgs[0].Env.Method != "run_instance" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestMemoryBusCallDispatchesToHandler(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	bus.Handle("compute.node-1", "get_console_output", func(_ context.Context, env Envelope) (any, error) {
		return "boot log", nil
	})

	raw, err := bus.Call(ctx, "compute.node-1", Envelope{Method: "get_console_output"})
	if err != nil {
		t.Fatal(err)
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil || out != "boot log" {
		t.Errorf("call result = %q, %v", raw, err)
	}
}

func TestMemoryBusTopicFallback(t *testing.T) {
	bus := NewMemoryBus()
	bus.Handle("volume", "create_volume", func(_ context.Context, _ Envelope) (any, error) {
		return nil, nil
	})
	// A topic.host destination falls back to the bare topic handler.
	if _, err := bus.Call(context.Background(), "volume.volhost", Envelope{Method: "create_volume"}); err != nil {
		t.Errorf("fallback call: %v", err)
	}
}

func TestMemoryBusCallWithoutHandlerTimesOut(t *testing.T) {
	bus := NewMemoryBus()
	if _, err := bus.Call(context.Background(), "nowhere", Envelope{Method: "noop"}); err == nil {
		t.Error("call without a handler must fail")
	}
}

func TestEnvelopeContextRoundTrip(t *testing.T) {
	env := Envelope{
		Method: "terminate_instance",
		Args:   map[string]any{"instance_id": float64(3)},
		Context: &auth.RequestContext{
			RequestID: "req-5", UserID: "alice", ProjectID: "proj", IsAdmin: true,
		},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Envelope
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Context == nil || decoded.Context.UserID != "alice" || !decoded.Context.IsAdmin {
		t.Errorf("decoded context = %+v", decoded.Context)
	}
	if decoded.Args["instance_id"].(float64) != 3 {
		t.Errorf("decoded args = %+v", decoded.Args)
	}
}
