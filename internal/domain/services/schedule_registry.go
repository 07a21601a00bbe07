package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"pet-feeder-service/internal/domain/models"
)

// ErrRegistryStopped is returned by Arm after StopAll.
var ErrRegistryStopped = errors.New("schedule registry stopped")

// ScheduleKey identifies one recurring job.
type ScheduleKey struct {
	DeviceID string
	CatID    uint
	Time     string
}

func (k ScheduleKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.DeviceID, k.CatID, k.Time)
}

// KeyOf returns the job key for a persisted schedule.
func KeyOf(s models.FeedingSchedule) ScheduleKey {
	return ScheduleKey{DeviceID: s.DeviceID, CatID: s.CatID, Time: s.Time}
}

// JobInfo is a read-only view of an armed job.
type JobInfo struct {
	Key      ScheduleKey `json:"-"`
	DeviceID string      `json:"deviceId"`
	CatID    uint        `json:"catId"`
	Time     string      `json:"time"`
	Amount   int         `json:"amount"`
	NextFire time.Time   `json:"nextFire"`
}

// ToggleResult is the outcome of ToggleAllForPet.
type ToggleResult struct {
	Success       bool   `json:"success"`
	AffectedCount int    `json:"affectedCount"`
	Message       string `json:"message"`
	Err           error  `json:"-"`
}

type scheduledJob struct {
	key    ScheduleKey
	amount int
	next   time.Time
	cancel context.CancelFunc
}

// ScheduleRegistry owns the armed jobs. Every job runs its own loop: wait for the next
// occurrence, fire, compute the following occurrence, repeat. All bookkeeping on the job
// map goes through mu.
type ScheduleRegistry struct {
	store      InterfaceFeedingStore
	dispatcher InterfaceFeedCommandService
	clock      clockwork.Clock
	loc        *time.Location
	log        zerolog.Logger

	mu      sync.Mutex
	jobs    map[ScheduleKey]*scheduledJob
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduleRegistry creates an empty registry computing occurrences in loc.
func NewScheduleRegistry(store InterfaceFeedingStore, dispatcher InterfaceFeedCommandService, clock clockwork.Clock, loc *time.Location, log zerolog.Logger) *ScheduleRegistry {
	if loc == nil {
		loc = time.UTC
	}
	return &ScheduleRegistry{
		store:      store,
		dispatcher: dispatcher,
		clock:      clock,
		loc:        loc,
		log:        log,
		jobs:       make(map[ScheduleKey]*scheduledJob),
	}
}

// Location is the feeding timezone.
func (r *ScheduleRegistry) Location() *time.Location {
	return r.loc
}

// Arm starts the job for schedule, replacing any job already armed for its key.
// An invalid time is rejected before anything is touched.
func (r *ScheduleRegistry) Arm(schedule models.FeedingSchedule) error {
	if _, err := ParseTimeOfDay(schedule.Time); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRegistryStopped
	}
	r.armLocked(KeyOf(schedule), schedule.Amount)
	return nil
}

// SaveAndArm upserts schedule as active and arms its job under the registry lock.
func (r *ScheduleRegistry) SaveAndArm(ctx context.Context, schedule models.FeedingSchedule) (*models.FeedingSchedule, error) {
	if _, err := ParseTimeOfDay(schedule.Time); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRegistryStopped
	}

	stored, err := r.store.UpsertSchedule(ctx, &schedule)
	if err != nil {
		return nil, err
	}
	r.armLocked(KeyOf(*stored), stored.Amount)
	return stored, nil
}

// DeactivateAndCancel soft-deletes a schedule and cancels its job under the registry lock.
func (r *ScheduleRegistry) DeactivateAndCancel(ctx context.Context, scheduleID uint) (*models.FeedingSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	schedule, err := r.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeactivateSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}
	r.cancelLocked(KeyOf(*schedule))
	schedule.IsActive = false
	return schedule, nil
}

// Cancel stops and removes the job for key. It reports whether a job existed.
func (r *ScheduleRegistry) Cancel(key ScheduleKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(key)
}

// InitializeAtStartup arms every persisted active schedule and returns how many were armed.
func (r *ScheduleRegistry) InitializeAtStartup(ctx context.Context) (int, error) {
	schedules, err := r.store.ListActiveSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active schedules: %w", err)
	}

	armed := 0
	for _, s := range schedules {
		if err := r.Arm(s); err != nil {
			r.log.Error().Err(err).Uint("scheduleId", s.ID).Msg("skipping schedule at startup")
			continue
		}
		armed++
	}
	r.log.Info().Int("armed", armed).Int("active", len(schedules)).Msg("schedules restored")
	return armed, nil
}

// ToggleAllForPet sets the active flag on every schedule of the cat, across devices, and
// moves the jobs to match. The registry lock is held for the whole operation; timers are
// only touched once the persisted update has committed.
func (r *ScheduleRegistry) ToggleAllForPet(ctx context.Context, catID uint, active bool) ToggleResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ToggleResult{Message: ErrRegistryStopped.Error(), Err: ErrRegistryStopped}
	}

	schedules, err := r.store.ListSchedulesByCat(ctx, catID, false)
	if err != nil {
		r.log.Error().Err(err).Uint("cat", catID).Msg("toggle: load schedules")
		return ToggleResult{Message: fmt.Sprintf("failed to load schedules: %v", err), Err: err}
	}
	if len(schedules) == 0 {
		return ToggleResult{Message: fmt.Sprintf("no schedules found for cat %d", catID), Err: ErrNoSchedules}
	}

	ids := make([]uint, 0, len(schedules))
	for _, s := range schedules {
		if _, err := ParseTimeOfDay(s.Time); err != nil {
			return ToggleResult{Message: fmt.Sprintf("schedule %d: %v", s.ID, err), Err: err}
		}
		ids = append(ids, s.ID)
	}

	affected, err := r.store.SetSchedulesActive(ctx, ids, active)
	if err != nil {
		r.log.Error().Err(err).Uint("cat", catID).Msg("toggle: update schedules")
		return ToggleResult{Message: fmt.Sprintf("failed to update schedules: %v", err), Err: err}
	}

	for _, s := range schedules {
		if active {
			r.armLocked(KeyOf(s), s.Amount)
		} else {
			r.cancelLocked(KeyOf(s))
		}
	}

	verb := "deactivated"
	if active {
		verb = "activated"
	}
	return ToggleResult{
		Success:       true,
		AffectedCount: int(affected),
		Message:       fmt.Sprintf("%d schedules %s", affected, verb),
	}
}

// StopAll cancels every job, waits for running loops to return and refuses further arming.
// Persisted schedules are left as they are.
func (r *ScheduleRegistry) StopAll() int {
	r.mu.Lock()
	r.stopped = true
	n := len(r.jobs)
	for key, job := range r.jobs {
		job.cancel()
		delete(r.jobs, key)
	}
	armedJobs.Set(0)
	r.mu.Unlock()

	r.wg.Wait()
	return n
}

// NextFire returns when the job for key will fire next.
func (r *ScheduleRegistry) NextFire(key ScheduleKey) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	if !ok {
		return time.Time{}, false
	}
	return job.next, true
}

// Len is the number of armed jobs.
func (r *ScheduleRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Jobs returns a snapshot of the armed jobs ordered by key.
func (r *ScheduleRegistry) Jobs() []JobInfo {
	r.mu.Lock()
	out := make([]JobInfo, 0, len(r.jobs))
	for key, job := range r.jobs {
		out = append(out, JobInfo{
			Key:      key,
			DeviceID: key.DeviceID,
			CatID:    key.CatID,
			Time:     key.Time,
			Amount:   job.amount,
			NextFire: job.next,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (r *ScheduleRegistry) armLocked(key ScheduleKey, amount int) {
	r.cancelLocked(key)

	now := r.clock.Now()
	next, err := NextOccurrence(key.Time, now, r.loc)
	if err != nil {
		// Callers validate first.
		r.log.Error().Err(err).Str("key", key.String()).Msg("arm")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &scheduledJob{key: key, amount: amount, next: next, cancel: cancel}
	r.jobs[key] = job
	armedJobs.Set(float64(len(r.jobs)))

	r.wg.Add(1)
	go r.run(ctx, job, next)

	r.log.Debug().Str("key", key.String()).Time("next", next).Msg("job armed")
}

func (r *ScheduleRegistry) cancelLocked(key ScheduleKey) bool {
	job, ok := r.jobs[key]
	if !ok {
		return false
	}
	job.cancel()
	delete(r.jobs, key)
	armedJobs.Set(float64(len(r.jobs)))
	r.log.Debug().Str("key", key.String()).Msg("job cancelled")
	return true
}

// run is the job loop. It exits when ctx is cancelled; a fire already in progress is
// allowed to finish but is never followed by another wait.
func (r *ScheduleRegistry) run(ctx context.Context, job *scheduledJob, next time.Time) {
	defer r.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		timer := r.clock.NewTimer(next.Sub(r.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if ctx.Err() != nil {
			return
		}

		r.fire(context.WithoutCancel(ctx), job.key, job.amount)

		// Re-arm even if the schedule was deactivated meanwhile; the next fire's active
		// check skips the dispense.
		ref := r.clock.Now()
		if ref.Before(next) {
			ref = next
		}
		following, err := NextOccurrence(job.key.Time, ref, r.loc)
		if err != nil {
			r.log.Error().Err(err).Str("key", job.key.String()).Msg("re-arm")
			return
		}
		next = following

		r.mu.Lock()
		job.next = next
		r.mu.Unlock()
	}
}

// fire re-validates the schedule and dispenses if it is still active.
func (r *ScheduleRegistry) fire(ctx context.Context, key ScheduleKey, amount int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("key", key.String()).Msg("schedule fire panicked")
			scheduleFires.WithLabelValues("panic").Inc()
		}
	}()

	active, err := r.store.IsScheduleActive(ctx, key)
	if err != nil {
		r.log.Error().Err(err).Str("key", key.String()).Msg("fire: active check failed, skipping")
		scheduleFires.WithLabelValues("check_failed").Inc()
		return
	}
	if !active {
		r.log.Info().Str("key", key.String()).Msg("schedule inactive, dispense skipped")
		scheduleFires.WithLabelValues("inactive").Inc()
		return
	}

	if r.dispatcher.DispenseAndRecord(ctx, key.DeviceID, key.CatID, amount) {
		r.log.Info().Str("key", key.String()).Int("amount", amount).Msg("scheduled feeding dispensed")
		scheduleFires.WithLabelValues("dispensed").Inc()
		return
	}
	r.log.Warn().Str("key", key.String()).Msg("scheduled feeding failed to publish")
	scheduleFires.WithLabelValues("failed").Inc()
}
