package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type telemetryFixture struct {
	clock     clockwork.FakeClock
	store     *memStore
	publisher *fakePublisher
	weights   *MemoryWeightStore
	handler   *TelemetryHandler
}

func newTelemetryFixture(t *testing.T) *telemetryFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newMemStore()
	publisher := newFakePublisher()
	weights := NewMemoryWeightStore()
	dispatcher := NewFeedCommandService(publisher, store, clock, "pet-feeder", 30*24*time.Hour, zerolog.Nop())
	handler := NewTelemetryHandler(store, dispatcher, weights, clock, "pet-feeder", 100, 5*time.Minute, zerolog.Nop())
	return &telemetryFixture{clock: clock, store: store, publisher: publisher, weights: weights, handler: handler}
}

func TestParseTelemetry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		topic    string
		payload  string
		wantKind TelemetryKind
		wantErr  bool
	}{
		{name: "weight by action", topic: "pet-feeder/D1/weight", payload: `{"action":"sendWeight","weight":212.5}`, wantKind: TelemetryWeight},
		{name: "weight by topic", topic: "pet-feeder/D1/weight", payload: `{"weight":12}`, wantKind: TelemetryWeight},
		{name: "detection numeric cat", topic: "pet-feeder/D1/detection", payload: `{"action":"sendCat","catId":7,"timestamp":"2024-06-01T11:59:00Z"}`, wantKind: TelemetryDetection},
		{name: "detection string cat", topic: "pet-feeder/D1/detection", payload: `{"action":"sendCat","catId":"7"}`, wantKind: TelemetryDetection},
		{name: "status", topic: "pet-feeder/D1/status", payload: `{"action":"status","online":true}`, wantKind: TelemetryStatus},
		{name: "feeding ack", topic: "pet-feeder/D1/feeding/response", payload: `{"action":"feeding-response","ok":true}`, wantKind: TelemetryFeedingAck},
		{name: "action wins over topic", topic: "pet-feeder/D1/status", payload: `{"action":"sendWeight","weight":1}`, wantKind: TelemetryWeight},
		{name: "weight not numeric", topic: "pet-feeder/D1/weight", payload: `{"action":"sendWeight","weight":"heavy"}`, wantErr: true},
		{name: "weight missing", topic: "pet-feeder/D1/weight", payload: `{"action":"sendWeight"}`, wantErr: true},
		{name: "detection without cat", topic: "pet-feeder/D1/detection", payload: `{"action":"sendCat"}`, wantErr: true},
		{name: "unknown action", topic: "pet-feeder/D1/status", payload: `{"action":"reboot"}`, wantErr: true},
		{name: "not json", topic: "pet-feeder/D1/status", payload: `online`, wantErr: true},
		{name: "foreign namespace", topic: "other/D1/status", payload: `{}`, wantErr: true},
		{name: "unknown subtopic without action", topic: "pet-feeder/D1/logs", payload: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseTelemetry("pet-feeder", tt.topic, []byte(tt.payload), now)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedTelemetry) {
					t.Fatalf("err = %v, want ErrMalformedTelemetry", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Kind() != tt.wantKind {
				t.Fatalf("kind = %v, want %v", msg.Kind(), tt.wantKind)
			}
			if msg.Device() != "D1" {
				t.Fatalf("device = %q, want D1", msg.Device())
			}
		})
	}
}

func TestWeightTelemetry(t *testing.T) {
	f := newTelemetryFixture(t)
	ctx := context.Background()

	f.handler.HandleMessage("pet-feeder/D1/weight", []byte(`{"action":"sendWeight","weight":120}`))
	f.handler.HandleMessage("pet-feeder/D1/weight", []byte(`{"action":"sendWeight","weight":95.5}`))
	f.handler.HandleMessage("pet-feeder/D1/weight", []byte(`{"action":"sendWeight"}`))

	sample, ok, err := f.weights.Latest(ctx, "D1")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if sample.Weight != 95.5 {
		t.Fatalf("weight = %v, want 95.5", sample.Weight)
	}
}

func TestDetectionSuppressedByActiveSchedule(t *testing.T) {
	f := newTelemetryFixture(t)
	f.store.addSchedule(7, "D1", "08:30", 50, true)

	// Matching the schedule's time or not makes no difference.
	for _, ts := range []string{"2024-06-01T08:30:00Z", "2024-06-01T03:12:00Z", "2024-06-01T23:59:00Z"} {
		f.handler.HandleMessage("pet-feeder/D1/detection", []byte(`{"action":"sendCat","catId":"7","timestamp":"`+ts+`"}`))
	}

	if n := f.publisher.count(); n != 0 {
		t.Fatalf("publishes = %d, want 0", n)
	}
	if len(f.store.historySnapshot()) != 0 {
		t.Fatal("history written although schedule is active")
	}
}

func TestDetectionWithoutSchedulesDispensesOnce(t *testing.T) {
	f := newTelemetryFixture(t)
	// Active elsewhere and inactive here do not count.
	f.store.addSchedule(7, "D2", "08:30", 50, true)
	f.store.addSchedule(7, "D1", "08:30", 50, false)

	f.handler.HandleMessage("pet-feeder/D1/detection", []byte(`{"action":"sendCat","catId":7,"timestamp":"2024-06-01T11:00:00Z"}`))
	f.handler.HandleMessage("pet-feeder/D1/detection", []byte(`{"action":"sendCat","catId":7,"timestamp":"2024-06-01T11:30:00Z"}`))

	if n := f.publisher.count(); n != 2 {
		t.Fatalf("publishes = %d, want 2 (one per event)", n)
	}
	history := f.store.historySnapshot()
	if len(history) != 2 {
		t.Fatalf("history = %d, want 2", len(history))
	}
	for _, h := range history {
		if h.CatID != 7 || h.DeviceID != "D1" || h.Amount != 100 {
			t.Fatalf("history entry = %+v", h)
		}
	}
}

func TestDetectionDuplicateDeliveryDropped(t *testing.T) {
	f := newTelemetryFixture(t)
	payload := []byte(`{"action":"sendCat","catId":7,"timestamp":"2024-06-01T11:00:00Z"}`)

	f.handler.HandleMessage("pet-feeder/D1/detection", payload)
	f.handler.HandleMessage("pet-feeder/D1/detection", payload)

	if n := f.publisher.count(); n != 1 {
		t.Fatalf("publishes = %d, want 1", n)
	}

	// Once the window passes the key is forgotten.
	f.clock.Advance(6 * time.Minute)
	if swept := f.handler.SweepProcessed(); swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	f.handler.HandleMessage("pet-feeder/D1/detection", payload)
	if n := f.publisher.count(); n != 2 {
		t.Fatalf("publishes = %d, want 2", n)
	}
}

func TestDetectionFailedPublishWritesNothing(t *testing.T) {
	f := newTelemetryFixture(t)
	f.publisher.err = errors.New("broker rejected")
	payload := []byte(`{"action":"sendCat","catId":7,"timestamp":"2024-06-01T11:00:00Z"}`)

	f.handler.HandleMessage("pet-feeder/D1/detection", payload)
	if len(f.store.historySnapshot()) != 0 {
		t.Fatal("history written for failed dispense")
	}

	// A redelivery after a failure is retried, not treated as a duplicate.
	f.publisher.mu.Lock()
	f.publisher.err = nil
	f.publisher.mu.Unlock()
	f.handler.HandleMessage("pet-feeder/D1/detection", payload)
	if len(f.store.historySnapshot()) != 1 {
		t.Fatal("retry after failure was not dispensed")
	}
}

func TestDetectionRedeliveryWaitsForFirstDelivery(t *testing.T) {
	tests := []struct {
		name     string
		firstErr error
	}{
		{name: "first delivery fails, redelivery dispenses", firstErr: errors.New("broker rejected")},
		{name: "first delivery succeeds, redelivery dropped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTelemetryFixture(t)
			hold := make(chan struct{})
			f.publisher.hold = hold
			f.publisher.holdErr = tt.firstErr
			f.publisher.entered = make(chan struct{}, 1)
			topic := "pet-feeder/D1/detection"
			payload := []byte(`{"action":"sendCat","catId":7,"timestamp":"2024-06-01T11:00:00Z"}`)

			first := make(chan struct{})
			go func() {
				defer close(first)
				f.handler.HandleMessage(topic, payload)
			}()
			<-f.publisher.entered

			second := make(chan struct{})
			go func() {
				defer close(second)
				f.handler.HandleMessage(topic, payload)
			}()
			select {
			case <-second:
				t.Fatal("redelivery finished while the first delivery was still publishing")
			case <-time.After(50 * time.Millisecond):
			}

			close(hold)
			<-first
			<-second

			if n := len(f.store.historySnapshot()); n != 1 {
				t.Fatalf("history = %d, want exactly 1", n)
			}
			if n := f.publisher.count(); n != 1 {
				t.Fatalf("successful publishes = %d, want 1", n)
			}
		})
	}
}

func TestStatusRemembered(t *testing.T) {
	f := newTelemetryFixture(t)
	f.handler.HandleMessage("pet-feeder/D1/status", []byte(`{"online":true,"food":"low"}`))

	st, ok := f.handler.LastStatus("D1")
	if !ok {
		t.Fatal("status not remembered")
	}
	if st.Fields["food"] != "low" || !st.SeenAt.Equal(f.clock.Now()) {
		t.Fatalf("status = %+v", st)
	}
}

func TestMalformedTelemetryIsDropped(t *testing.T) {
	f := newTelemetryFixture(t)
	f.handler.HandleMessage("pet-feeder/D1/detection", []byte(`{{{`))
	f.handler.HandleMessage("pet-feeder", []byte(`{}`))

	if f.publisher.count() != 0 {
		t.Fatal("malformed telemetry triggered a command")
	}
}
