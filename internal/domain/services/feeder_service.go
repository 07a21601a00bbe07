package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"pet-feeder-service/internal/domain/models"
)

// InterfaceFeederService is the operation surface the HTTP layer calls.
type InterfaceFeederService interface {
	FeedNow(ctx context.Context, deviceID string, catID uint, amount int) (int, error)
	CreateOrUpdateSchedule(ctx context.Context, deviceID string, catID uint, timeOfDay string, amount int) (*models.FeedingSchedule, error)
	CancelSchedule(ctx context.Context, scheduleID uint) (*models.FeedingSchedule, error)
	ToggleAllForPet(ctx context.Context, catID uint, active bool) ToggleResult
	SendImage(ctx context.Context, deviceID string, catID uint) error
	TrainModel(deviceID string) error
	RequestStatus(deviceID string) (*DeviceStatus, error)
	GetLatestWeight(ctx context.Context, deviceID string) (*models.DeviceWeightSample, error)
	ListHistory(ctx context.Context, catID uint, days int) (*HistoryResult, error)
	ListSchedules(ctx context.Context, catID uint) ([]models.FeedingSchedule, error)
	Jobs() []JobInfo
}

// HistoryResult is a cat's feeding history over the last Days days.
type HistoryResult struct {
	CatID         uint                    `json:"catId"`
	CatName       string                  `json:"catName"`
	PeriodDays    int                     `json:"periodDays"`
	TotalFeedings int                     `json:"totalFeedings"`
	History       []models.FeedingHistory `json:"history"`
}

// FeederService composes the store, dispatcher, registry and telemetry state.
type FeederService struct {
	Store         InterfaceFeedingStore
	Dispatcher    InterfaceFeedCommandService
	Registry      *ScheduleRegistry
	Telemetry     *TelemetryHandler
	Weights       InterfaceWeightStore
	Clock         clockwork.Clock
	DefaultAmount int
	MaxDays       int
	Log           zerolog.Logger
}

// NewFeederService creates the facade. maxDays caps history queries at the retention window.
func NewFeederService(store InterfaceFeedingStore, dispatcher InterfaceFeedCommandService, registry *ScheduleRegistry, telemetry *TelemetryHandler, weights InterfaceWeightStore, clock clockwork.Clock, defaultAmount, maxDays int, log zerolog.Logger) *FeederService {
	return &FeederService{
		Store:         store,
		Dispatcher:    dispatcher,
		Registry:      registry,
		Telemetry:     telemetry,
		Weights:       weights,
		Clock:         clock,
		DefaultAmount: defaultAmount,
		MaxDays:       maxDays,
		Log:           log,
	}
}

// 1 FeedNow dispenses right away and records it. A zero amount means the default; the
// amount actually sent is returned.
func (s *FeederService) FeedNow(ctx context.Context, deviceID string, catID uint, amount int) (int, error) {
	if amount == 0 {
		amount = s.DefaultAmount
	}
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if _, err := s.Store.GetCat(ctx, catID); err != nil {
		return 0, err
	}
	if !s.Dispatcher.IsConnected() {
		return 0, ErrLinkDown
	}
	if !s.Dispatcher.DispenseAndRecord(ctx, deviceID, catID, amount) {
		return 0, ErrCommandFailed
	}
	return amount, nil
}

// 2 CreateOrUpdateSchedule sends the schedule to the device, then upserts and arms it.
func (s *FeederService) CreateOrUpdateSchedule(ctx context.Context, deviceID string, catID uint, timeOfDay string, amount int) (*models.FeedingSchedule, error) {
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := s.Store.GetCat(ctx, catID); err != nil {
		return nil, err
	}
	if !s.Dispatcher.IsConnected() {
		return nil, ErrLinkDown
	}
	if !s.Dispatcher.ScheduleFeeding(deviceID, catID, ScheduleSpec{Time: tod.String(), Amount: amount}) {
		return nil, ErrCommandFailed
	}

	schedule, err := s.Registry.SaveAndArm(ctx, models.FeedingSchedule{
		CatID:    catID,
		DeviceID: deviceID,
		Time:     tod.String(),
		Amount:   amount,
		IsActive: true,
	})
	if err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}
	return schedule, nil
}

// 3 CancelSchedule soft-deletes a schedule, cancels its job and tells the device. The
// device notification is best effort.
func (s *FeederService) CancelSchedule(ctx context.Context, scheduleID uint) (*models.FeedingSchedule, error) {
	schedule, err := s.Registry.DeactivateAndCancel(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if !s.Dispatcher.CancelSchedule(schedule.DeviceID, schedule.CatID, schedule.Time) {
		s.Log.Warn().Uint("scheduleId", scheduleID).Msg("schedule cancelled locally, device not notified")
	}
	return schedule, nil
}

// 4 ToggleAllForPet switches every schedule of the cat on or off.
func (s *FeederService) ToggleAllForPet(ctx context.Context, catID uint, active bool) ToggleResult {
	return s.Registry.ToggleAllForPet(ctx, catID, active)
}

// 5 SendImage asks the device for a picture of the cat.
func (s *FeederService) SendImage(ctx context.Context, deviceID string, catID uint) error {
	if _, err := s.Store.GetCat(ctx, catID); err != nil {
		return err
	}
	return s.command(func() bool { return s.Dispatcher.SendImage(deviceID, catID) })
}

// 6 TrainModel asks the device to retrain recognition.
func (s *FeederService) TrainModel(deviceID string) error {
	return s.command(func() bool { return s.Dispatcher.TrainModel(deviceID) })
}

// 7 RequestStatus asks for a fresh status report and returns the last one seen, if any.
func (s *FeederService) RequestStatus(deviceID string) (*DeviceStatus, error) {
	if err := s.command(func() bool { return s.Dispatcher.RequestStatus(deviceID) }); err != nil {
		return nil, err
	}
	if status, ok := s.Telemetry.LastStatus(deviceID); ok {
		return &status, nil
	}
	return nil, nil
}

// 8 GetLatestWeight returns the last weight the device reported.
func (s *FeederService) GetLatestWeight(ctx context.Context, deviceID string) (*models.DeviceWeightSample, error) {
	sample, ok, err := s.Weights.Latest(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWeightNotFound
	}
	return sample, nil
}

// 9 ListHistory returns the cat's feedings over the last days days, newest first.
func (s *FeederService) ListHistory(ctx context.Context, catID uint, days int) (*HistoryResult, error) {
	if days <= 0 {
		days = s.MaxDays
	}
	if s.MaxDays > 0 && days > s.MaxDays {
		days = s.MaxDays
	}
	cat, err := s.Store.GetCat(ctx, catID)
	if err != nil {
		return nil, err
	}

	since := s.Clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	entries, err := s.Store.ListHistory(ctx, catID, since)
	if err != nil {
		return nil, err
	}
	return &HistoryResult{
		CatID:         catID,
		CatName:       cat.Name,
		PeriodDays:    days,
		TotalFeedings: len(entries),
		History:       entries,
	}, nil
}

// 10 ListSchedules returns the cat's active schedules ordered by time.
func (s *FeederService) ListSchedules(ctx context.Context, catID uint) ([]models.FeedingSchedule, error) {
	if _, err := s.Store.GetCat(ctx, catID); err != nil {
		return nil, err
	}
	return s.Store.ListSchedulesByCat(ctx, catID, true)
}

// Jobs exposes the armed jobs for diagnostics.
func (s *FeederService) Jobs() []JobInfo {
	return s.Registry.Jobs()
}

func (s *FeederService) command(send func() bool) error {
	if !s.Dispatcher.IsConnected() {
		return ErrLinkDown
	}
	if !send() {
		return ErrCommandFailed
	}
	return nil
}
