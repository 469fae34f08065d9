package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"continuum/internal/bus"
	"continuum/internal/protocol"

	"go.uber.org/goleak"
)

// collectResponses subscribes to the daemon's response event and returns a
// channel the test can await envelopes on.
func collectResponses(b *bus.Bus, d *Daemon) chan protocol.Envelope {
	out := make(chan protocol.Envelope, 16)
	b.On(d.ResponseEvent(), func(payload any) {
		if env, ok := payload.(protocol.Envelope); ok {
			out <- env
		}
	})
	return out
}

func awaitResponse(t *testing.T, ch chan protocol.Envelope) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no response envelope within 2s")
		return protocol.Envelope{}
	}
}

func TestRequestProducesCorrelatedResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := bus.New()
	d := New("echo", b)
	if err := d.RegisterOperation("echo", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		return map[string]any{"echo": req.Payload["value"]}, nil
	}); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}

	responses := collectResponses(b, d)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	req := protocol.NewRequest("echo", map[string]any{"value": "ping"})
	b.Emit(d.RequestEvent(), req)

	resp := awaitResponse(t, responses)
	if resp.CorrelationID != req.CorrelationID {
		t.Fatalf("response correlation = %s, want %s", resp.CorrelationID, req.CorrelationID)
	}
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("response kind = %s, want response", resp.Kind)
	}
	if resp.Payload["echo"] != "ping" {
		t.Fatalf("payload = %v, want echo:ping", resp.Payload)
	}
}

func TestUnknownOperationBecomesErrorEnvelope(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	d.RegisterOperation("known", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		return nil, nil
	})

	responses := collectResponses(b, d)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	req := protocol.NewRequest("mystery", nil)
	b.Emit(d.RequestEvent(), req)

	resp := awaitResponse(t, responses)
	if resp.Kind != protocol.KindError {
		t.Fatalf("kind = %s, want error", resp.Kind)
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Fatalf("correlation = %s, want %s", resp.CorrelationID, req.CorrelationID)
	}
	if resp.Payload["code"] != protocol.CodeUnknownOperation {
		t.Fatalf("code = %v, want %s", resp.Payload["code"], protocol.CodeUnknownOperation)
	}
	avail, _ := resp.Payload["available"].([]string)
	if len(avail) != 1 || avail[0] != "known" {
		t.Fatalf("available = %v, want [known]", resp.Payload["available"])
	}
}

func TestHandlerErrorBecomesErrorEnvelope(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	d.RegisterOperation("fail", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		return nil, errors.New("disk on fire")
	})

	responses := collectResponses(b, d)
	d.Start(context.Background())
	defer d.Stop()

	req := protocol.NewRequest("fail", nil)
	b.Emit(d.RequestEvent(), req)

	resp := awaitResponse(t, responses)
	if resp.Kind != protocol.KindError {
		t.Fatalf("kind = %s, want error", resp.Kind)
	}
	if resp.Payload["code"] != protocol.CodeHandlerError {
		t.Fatalf("code = %v, want %s", resp.Payload["code"], protocol.CodeHandlerError)
	}
}

func TestHandlerPanicBecomesErrorEnvelope(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	d.RegisterOperation("explode", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		panic("nil map write")
	})
	d.RegisterOperation("ok", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		return map[string]any{"alive": true}, nil
	})

	responses := collectResponses(b, d)
	d.Start(context.Background())
	defer d.Stop()

	req := protocol.NewRequest("explode", nil)
	b.Emit(d.RequestEvent(), req)

	resp := awaitResponse(t, responses)
	if resp.Kind != protocol.KindError {
		t.Fatalf("kind = %s, want error", resp.Kind)
	}
	if resp.Payload["code"] != protocol.CodeHandlerError {
		t.Fatalf("code = %v, want %s", resp.Payload["code"], protocol.CodeHandlerError)
	}

	// The worker must survive the panic and keep serving.
	b.Emit(d.RequestEvent(), protocol.NewRequest("ok", nil))
	resp = awaitResponse(t, responses)
	if resp.Kind != protocol.KindResponse {
		t.Fatalf("post-panic kind = %s, want response", resp.Kind)
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	err := d.Start(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopUnsubscribesFromBus(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := bus.New()
	d := New("svc", b)

	for i := 0; i < 3; i++ {
		if err := d.Start(context.Background()); err != nil {
			t.Fatalf("Start cycle %d: %v", i, err)
		}
		if got := b.HandlerCount(d.RequestEvent()); got != 1 {
			t.Fatalf("cycle %d: HandlerCount while running = %d, want 1", i, got)
		}
		d.Stop()
		if got := b.HandlerCount(d.RequestEvent()); got != 0 {
			t.Fatalf("cycle %d: HandlerCount after stop = %d, want 0", i, got)
		}
	}
	if d.State() != StateStopped {
		t.Fatalf("State = %s, want stopped", d.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	d.Stop() // never started
	d.Start(context.Background())
	d.Stop()
	d.Stop()
	if d.State() != StateStopped {
		t.Fatalf("State = %s, want stopped", d.State())
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	d.Start(context.Background())
	defer d.Stop()

	err := d.RegisterOperation("late", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatalf("RegisterOperation after start succeeded")
	}
}

func TestDuplicateOperationFails(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	h := func(ctx context.Context, req protocol.Envelope) (map[string]any, error) { return nil, nil }
	if err := d.RegisterOperation("op", h); err != nil {
		t.Fatalf("first RegisterOperation: %v", err)
	}
	if err := d.RegisterOperation("op", h); err == nil {
		t.Fatalf("duplicate RegisterOperation succeeded")
	}
}

func TestNonRequestEnvelopesIgnored(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	d.RegisterOperation("op", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		return map[string]any{}, nil
	})

	responses := collectResponses(b, d)
	d.Start(context.Background())
	defer d.Stop()

	// A response envelope on the request event must not produce output.
	stray := protocol.NewResponse(protocol.NewRequest("op", nil), nil)
	b.Emit(d.RequestEvent(), stray)

	req := protocol.NewRequest("op", nil)
	b.Emit(d.RequestEvent(), req)

	resp := awaitResponse(t, responses)
	if resp.CorrelationID != req.CorrelationID {
		t.Fatalf("got response for %s, want %s (stray was answered?)", resp.CorrelationID, req.CorrelationID)
	}
}

func TestRequestsHandledInOrder(t *testing.T) {
	b := bus.New()
	d := New("svc", b)
	var order []string
	d.RegisterOperation("mark", func(ctx context.Context, req protocol.Envelope) (map[string]any, error) {
		order = append(order, req.Payload["tag"].(string)) // worker serializes access
		return nil, nil
	})

	responses := collectResponses(b, d)
	d.Start(context.Background())
	defer d.Stop()

	tags := []string{"a", "b", "c", "d"}
	for _, tag := range tags {
		b.Emit(d.RequestEvent(), protocol.NewRequest("mark", map[string]any{"tag": tag}))
	}
	for range tags {
		awaitResponse(t, responses)
	}

	for i, tag := range tags {
		if order[i] != tag {
			t.Fatalf("order = %v, want %v", order, tags)
		}
	}
}
