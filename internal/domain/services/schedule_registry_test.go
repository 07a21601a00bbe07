package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"pet-feeder-service/internal/domain/models"
)

type registryFixture struct {
	clock     clockwork.FakeClock
	store     *memStore
	publisher *fakePublisher
	registry  *ScheduleRegistry
}

func newRegistryFixture(t *testing.T, start time.Time) *registryFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	store := newMemStore()
	publisher := newFakePublisher()
	dispatcher := NewFeedCommandService(publisher, store, clock, "pet-feeder", 30*24*time.Hour, zerolog.Nop())
	registry := NewScheduleRegistry(store, dispatcher, clock, time.UTC, zerolog.Nop())
	t.Cleanup(func() { registry.StopAll() })
	return &registryFixture{clock: clock, store: store, publisher: publisher, registry: registry}
}

func waitPublish(t *testing.T, p *fakePublisher) string {
	t.Helper()
	select {
	case topic := <-p.sent:
		return topic
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return ""
	}
}

func TestArmSameKeyTwiceKeepsOneJob(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	s := models.FeedingSchedule{CatID: 7, DeviceID: "D1", Time: "08:30", Amount: 50}

	if err := f.registry.Arm(s); err != nil {
		t.Fatalf("arm: %v", err)
	}
	s.Amount = 60
	if err := f.registry.Arm(s); err != nil {
		t.Fatalf("re-arm: %v", err)
	}

	if n := f.registry.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	jobs := f.registry.Jobs()
	if len(jobs) != 1 || jobs[0].Amount != 60 {
		t.Fatalf("jobs = %+v, want one job with amount 60", jobs)
	}

	// The replaced loop must be gone: exactly one live timer.
	f.clock.BlockUntil(1)
	time.Sleep(20 * time.Millisecond)
	f.store.addSchedule(7, "D1", "08:30", 60, true)
	f.clock.Advance(30 * time.Minute)
	waitPublish(t, f.publisher)
	f.clock.BlockUntil(1)
	if got := f.publisher.count(); got != 1 {
		t.Fatalf("publishes = %d, want 1", got)
	}
}

func TestArmRejectsInvalidTime(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))

	err := f.registry.Arm(models.FeedingSchedule{CatID: 1, DeviceID: "D1", Time: "8:30", Amount: 10})
	if !errors.Is(err, ErrInvalidTimeOfDay) {
		t.Fatalf("err = %v, want ErrInvalidTimeOfDay", err)
	}
	if f.registry.Len() != 0 {
		t.Fatal("job armed for invalid time")
	}
}

func TestCancel(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	key := ScheduleKey{DeviceID: "D1", CatID: 7, Time: "08:30"}

	if f.registry.Cancel(key) {
		t.Fatal("cancel of absent key reported found")
	}

	if err := f.registry.Arm(models.FeedingSchedule{CatID: 7, DeviceID: "D1", Time: "08:30", Amount: 50}); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if !f.registry.Cancel(key) {
		t.Fatal("cancel of armed key reported not found")
	}
	if _, ok := f.registry.NextFire(key); ok {
		t.Fatal("job still present after cancel")
	}
}

func TestScheduledFeedingFiresAndRearms(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	f.store.addCat(7, "Mochi")
	s := f.store.addSchedule(7, "D1", "08:30", 50, true)
	key := KeyOf(s)

	if err := f.registry.Arm(s); err != nil {
		t.Fatalf("arm: %v", err)
	}
	next, _ := f.registry.NextFire(key)
	if want := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next fire = %v, want %v", next, want)
	}

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Minute)

	if topic := waitPublish(t, f.publisher); topic != "pet-feeder/D1/commands/feed" {
		t.Fatalf("topic = %s", topic)
	}
	var cmd DispenseCommand
	if err := json.Unmarshal(f.publisher.payloads[0], &cmd); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if cmd.Action != "dispense" || cmd.CatID != "7" || cmd.Amount != 50 {
		t.Fatalf("command = %+v", cmd)
	}

	// The loop re-arms for tomorrow once the fire is done.
	f.clock.BlockUntil(1)
	next, ok := f.registry.NextFire(key)
	if want := time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC); !ok || !next.Equal(want) {
		t.Fatalf("next fire = %v, want %v", next, want)
	}

	history := f.store.historySnapshot()
	if len(history) != 1 {
		t.Fatalf("history entries = %d, want 1", len(history))
	}
	if h := history[0]; h.CatID != 7 || h.DeviceID != "D1" || h.Amount != 50 {
		t.Fatalf("history = %+v", h)
	}
}

func TestInactiveScheduleSkipsButStillRearms(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	s := f.store.addSchedule(7, "D1", "08:30", 50, true)
	if err := f.registry.Arm(s); err != nil {
		t.Fatalf("arm: %v", err)
	}
	// Deactivated behind the registry's back.
	if err := f.store.DeactivateSchedule(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Minute)
	f.clock.BlockUntil(1)

	if got := f.publisher.count(); got != 0 {
		t.Fatalf("publishes = %d, want 0", got)
	}
	if len(f.store.historySnapshot()) != 0 {
		t.Fatal("history written for inactive schedule")
	}
	next, ok := f.registry.NextFire(KeyOf(s))
	if want := time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC); !ok || !next.Equal(want) {
		t.Fatalf("next fire = %v (ok=%v), want %v", next, ok, want)
	}
}

func TestToggleAllForPet(t *testing.T) {
	ctx := context.Background()

	t.Run("deactivate N", func(t *testing.T) {
		f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
		var keys []ScheduleKey
		for _, s := range []models.FeedingSchedule{
			f.store.addSchedule(7, "D1", "08:30", 50, true),
			f.store.addSchedule(7, "D1", "18:00", 50, true),
			f.store.addSchedule(7, "D2", "12:00", 30, true),
		} {
			if err := f.registry.Arm(s); err != nil {
				t.Fatal(err)
			}
			keys = append(keys, KeyOf(s))
		}
		other := f.store.addSchedule(8, "D1", "09:00", 20, true)
		if err := f.registry.Arm(other); err != nil {
			t.Fatal(err)
		}

		res := f.registry.ToggleAllForPet(ctx, 7, false)
		if !res.Success || res.AffectedCount != 3 {
			t.Fatalf("result = %+v, want success with 3", res)
		}
		if n := f.store.activeCount(7); n != 0 {
			t.Fatalf("active rows = %d, want 0", n)
		}
		for _, k := range keys {
			if _, ok := f.registry.NextFire(k); ok {
				t.Fatalf("job %s still armed", k)
			}
		}
		if f.registry.Len() != 1 {
			t.Fatalf("Len = %d, want only the other cat's job", f.registry.Len())
		}
	})

	t.Run("activate arms every schedule", func(t *testing.T) {
		f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
		f.store.addSchedule(7, "D1", "08:30", 50, false)
		f.store.addSchedule(7, "D2", "12:00", 30, false)

		res := f.registry.ToggleAllForPet(ctx, 7, true)
		if !res.Success || res.AffectedCount != 2 {
			t.Fatalf("result = %+v", res)
		}
		if f.registry.Len() != 2 || f.store.activeCount(7) != 2 {
			t.Fatalf("jobs=%d active=%d, want 2/2", f.registry.Len(), f.store.activeCount(7))
		}
	})

	t.Run("no schedules", func(t *testing.T) {
		f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
		res := f.registry.ToggleAllForPet(ctx, 7, false)
		if res.Success || res.AffectedCount != 0 || !errors.Is(res.Err, ErrNoSchedules) {
			t.Fatalf("result = %+v, want failure with 0", res)
		}
		if f.store.setActiveHits != 0 {
			t.Fatal("store mutated for a cat without schedules")
		}
	})

	t.Run("persistence failure moves no timers", func(t *testing.T) {
		f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
		s := f.store.addSchedule(7, "D1", "08:30", 50, true)
		if err := f.registry.Arm(s); err != nil {
			t.Fatal(err)
		}
		f.store.failSetActive = errors.New("deadlock")

		res := f.registry.ToggleAllForPet(ctx, 7, false)
		if res.Success || res.AffectedCount != 0 {
			t.Fatalf("result = %+v, want failure", res)
		}
		if _, ok := f.registry.NextFire(KeyOf(s)); !ok {
			t.Fatal("job cancelled although persistence failed")
		}
	})
}

func TestInitializeAtStartup(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	f.store.addSchedule(1, "D1", "07:00", 10, true)
	f.store.addSchedule(2, "D1", "19:00", 10, true)
	f.store.addSchedule(3, "D2", "12:00", 10, false)
	f.store.addSchedule(4, "D2", "bad", 10, true)

	n, err := f.registry.InitializeAtStartup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || f.registry.Len() != 2 {
		t.Fatalf("armed = %d, Len = %d, want 2", n, f.registry.Len())
	}
}

func TestStopAllCancelsEverything(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	for _, tod := range []string{"08:30", "12:00", "18:00"} {
		if err := f.registry.Arm(models.FeedingSchedule{CatID: 7, DeviceID: "D1", Time: tod, Amount: 50}); err != nil {
			t.Fatal(err)
		}
	}
	f.clock.BlockUntil(3)

	if n := f.registry.StopAll(); n != 3 {
		t.Fatalf("StopAll = %d, want 3", n)
	}
	if f.registry.Len() != 0 {
		t.Fatal("jobs left after StopAll")
	}
	if err := f.registry.Arm(models.FeedingSchedule{CatID: 7, DeviceID: "D1", Time: "09:00"}); !errors.Is(err, ErrRegistryStopped) {
		t.Fatalf("arm after stop: %v", err)
	}
}

func TestConcurrentArmCancelToggle(t *testing.T) {
	f := newRegistryFixture(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	s := f.store.addSchedule(7, "D1", "08:30", 50, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _ = f.registry.Arm(s) }()
		go func() { defer wg.Done(); f.registry.Cancel(KeyOf(s)) }()
		go func(active bool) { defer wg.Done(); f.registry.ToggleAllForPet(ctx, 7, active) }(i%2 == 0)
	}
	wg.Wait()

	if n := f.registry.Len(); n > 1 {
		t.Fatalf("Len = %d, key double-armed", n)
	}
}
