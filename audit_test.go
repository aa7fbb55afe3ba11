package authcore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func drainEvents(sink *ChannelSink) []AuditEvent {
	var events []AuditEvent
	for {
		select {
		case event := <-sink.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestAuditTrailOnLogin(t *testing.T) {
	sink := NewChannelSink(64)
	eng, dir, _ := newTestEngineWithSink(t, sink)
	seedActiveUser(t, dir)

	mustLogin(t, eng, "")
	if _, err := eng.Login(context.Background(), testEmail, "wrong-password-1", ""); err == nil {
		t.Fatal("expected failure")
	}

	eng.Close()
	events := drainEvents(sink)

	var success, failure *AuditEvent
	for i := range events {
		switch events[i].EventType {
		case "login_success":
			success = &events[i]
		case "login_failure":
			failure = &events[i]
		}
	}

	if success == nil {
		t.Fatal("no login_success entry")
	}
	if success.UserID != testUserID || !success.Success || success.SessionID == "" {
		t.Fatalf("success entry = %+v", success)
	}
	if success.EntryID == "" || success.Timestamp.IsZero() {
		t.Fatalf("entry lacks identity: %+v", success)
	}

	if failure == nil {
		t.Fatal("no login_failure entry")
	}
	if failure.Success || failure.Error != "invalid_credentials" {
		t.Fatalf("failure entry = %+v", failure)
	}
	if failure.Metadata["reason"] != "password_mismatch" {
		t.Fatalf("failure metadata = %v", failure.Metadata)
	}
}

func TestAuditTrailOnReuseDetection(t *testing.T) {
	sink := NewChannelSink(64)
	eng, dir, _ := newTestEngineWithSink(t, sink)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	if _, err := eng.Refresh(context.Background(), login.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := eng.Refresh(context.Background(), login.RefreshToken); err == nil {
		t.Fatal("expected compromise error")
	}

	eng.Close()

	found := false
	for _, event := range drainEvents(sink) {
		if event.EventType == "refresh_reuse_detected" {
			found = true
			if event.Success {
				t.Fatalf("reuse entry marked success: %+v", event)
			}
			if event.UserID != testUserID || event.SessionID != login.SessionID {
				t.Fatalf("reuse entry = %+v", event)
			}
		}
	}
	if !found {
		t.Fatal("no refresh_reuse_detected entry")
	}
}

func TestAuditCarriesClientIP(t *testing.T) {
	sink := NewChannelSink(64)
	eng, dir, _ := newTestEngineWithSink(t, sink)
	seedActiveUser(t, dir)

	ctx := WithClientIP(context.Background(), "203.0.113.7")
	if _, err := eng.Login(ctx, testEmail, testPassword, ""); err != nil {
		t.Fatalf("Login: %v", err)
	}

	eng.Close()

	for _, event := range drainEvents(sink) {
		if event.EventType == "login_success" {
			if event.IP != "203.0.113.7" {
				t.Fatalf("IP = %q", event.IP)
			}
			return
		}
	}
	t.Fatal("no login_success entry")
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{
		EntryID:   "e-1",
		Timestamp: time.Now().UTC(),
		EventType: "login_success",
		UserID:    "user-1",
		Success:   true,
	})
	sink.Emit(context.Background(), AuditEvent{
		EntryID:   "e-2",
		EventType: "login_failure",
		Error:     "invalid_credentials",
	})

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		lines++
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if event.EntryID == "" {
			t.Fatalf("line %d missing entry id", lines)
		}
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{release: block}

	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, nil)

	// One event occupies the worker, one fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EntryID: "e"})
	}

	if d.Dropped() == 0 {
		t.Fatal("no events dropped with a full buffer")
	}

	close(block)
	d.Close()
}

func TestDispatcherWarnsOnDrop(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	core, logs := observer.New(zap.WarnLevel)

	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink, zap.New(core))

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EntryID: "e", EventType: "login_success"})
	}

	entries := logs.FilterMessage("audit event dropped, sink not keeping up").All()
	if len(entries) == 0 {
		t.Fatal("no warning logged for dropped events")
	}
	fields := entries[0].ContextMap()
	if fields["event_type"] != "login_success" {
		t.Fatalf("warning fields = %v", fields)
	}
	if total, ok := fields["dropped_total"].(uint64); !ok || total == 0 {
		t.Fatalf("dropped_total = %v", fields["dropped_total"])
	}

	close(block)
	d.Close()
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(64)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16, DropIfFull: true}, sink, nil)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{EntryID: "e"})
	}
	d.Close()

	if got := len(drainEvents(sink)); got != 5 {
		t.Fatalf("delivered = %d, want 5", got)
	}

	// Emit after close is a silent no-op.
	d.Emit(context.Background(), AuditEvent{EntryID: "late"})
	if got := len(drainEvents(sink)); got != 0 {
		t.Fatalf("post-close delivery = %d", got)
	}
}

func TestDisabledAuditIsNil(t *testing.T) {
	if d := newAuditDispatcher(AuditConfig{Enabled: false}, nil, nil); d != nil {
		t.Fatal("disabled audit should produce a nil dispatcher")
	}

	// A nil dispatcher is safe to use.
	var d *auditDispatcher
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher dropped")
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Emit(_ context.Context, _ AuditEvent) {
	<-s.release
}
