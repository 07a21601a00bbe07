package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"pet-feeder-service/internal/domain/models"
)

// Publisher is the slice of the MQTT link the dispatcher needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

// Command topic suffixes under <namespace>/<deviceId>/commands/
const (
	CommandFeed       = "feed"
	CommandSchedule   = "schedule"
	CommandSendImage  = "sendImage"
	CommandStatus     = "status"
	CommandTrainModel = "trainModel"
)

// Command actions carried in the payload
const (
	ActionDispense       = "dispense"
	ActionSchedule       = "schedule"
	ActionCancelSchedule = "cancel_schedule"
	ActionSendImage      = "send_image"
	ActionGetStatus      = "get_status"
	ActionTrainModel     = "train_model"
)

// Command payloads
type (
	// DispenseCommand asks the device to drop food now
	DispenseCommand struct {
		Action   string `json:"action"`
		CatID    string `json:"catId"`
		Amount   int    `json:"amount"`
		IssuedAt string `json:"issuedAt"`
	}

	// ScheduleSpec is the device-side view of one schedule
	ScheduleSpec struct {
		Time   string `json:"time"`
		Amount int    `json:"amount"`
	}

	// ScheduleCommand stores a schedule on the device
	ScheduleCommand struct {
		Action   string       `json:"action"`
		CatID    string       `json:"catId"`
		Schedule ScheduleSpec `json:"schedule"`
		IssuedAt string       `json:"issuedAt"`
	}

	// CancelScheduleCommand removes a schedule from the device
	CancelScheduleCommand struct {
		Action   string `json:"action"`
		CatID    string `json:"catId"`
		Time     string `json:"time"`
		IssuedAt string `json:"issuedAt"`
	}

	// CatCommand carries only the cat, e.g. send_image
	CatCommand struct {
		Action   string `json:"action"`
		CatID    string `json:"catId"`
		IssuedAt string `json:"issuedAt"`
	}

	// DeviceCommand has no fields beyond the action
	DeviceCommand struct {
		Action   string `json:"action"`
		IssuedAt string `json:"issuedAt"`
	}
)

// InterfaceFeedCommandService builds and publishes device commands. Every method reports
// success as a bool and never panics.
type InterfaceFeedCommandService interface {
	IsConnected() bool
	DispenseFeed(deviceID string, catID uint, amount int) bool
	DispenseAndRecord(ctx context.Context, deviceID string, catID uint, amount int) bool
	ScheduleFeeding(deviceID string, catID uint, schedule ScheduleSpec) bool
	CancelSchedule(deviceID string, catID uint, timeOfDay string) bool
	SendImage(deviceID string, catID uint) bool
	RequestStatus(deviceID string) bool
	TrainModel(deviceID string) bool
}

// FeedCommandService publishes commands through a Publisher and records dispenses.
type FeedCommandService struct {
	Publisher Publisher
	Store     InterfaceFeedingStore
	Clock     clockwork.Clock
	Namespace string
	Retention time.Duration
	Log       zerolog.Logger
}

// NewFeedCommandService creates the dispatcher
func NewFeedCommandService(publisher Publisher, store InterfaceFeedingStore, clock clockwork.Clock, namespace string, retention time.Duration, log zerolog.Logger) *FeedCommandService {
	return &FeedCommandService{
		Publisher: publisher,
		Store:     store,
		Clock:     clock,
		Namespace: namespace,
		Retention: retention,
		Log:       log,
	}
}

// CommandTopic returns <namespace>/<deviceId>/commands/<command>.
func CommandTopic(namespace, deviceID, command string) string {
	return fmt.Sprintf("%s/%s/commands/%s", namespace, deviceID, command)
}

func formatCatID(catID uint) string {
	return strconv.FormatUint(uint64(catID), 10)
}

func (s *FeedCommandService) issuedAt() string {
	return s.Clock.Now().UTC().Format(time.RFC3339Nano)
}

// IsConnected reports whether the link can currently publish
func (s *FeedCommandService) IsConnected() bool {
	return s.Publisher.IsConnected()
}

// 1 DispenseFeed publishes a dispense command
func (s *FeedCommandService) DispenseFeed(deviceID string, catID uint, amount int) bool {
	return s.send(deviceID, CommandFeed, ActionDispense, DispenseCommand{
		Action:   ActionDispense,
		CatID:    formatCatID(catID),
		Amount:   amount,
		IssuedAt: s.issuedAt(),
	})
}

// 2 DispenseAndRecord dispenses and, only if the publish succeeded, appends a history
// entry and prunes entries past the retention window.
func (s *FeedCommandService) DispenseAndRecord(ctx context.Context, deviceID string, catID uint, amount int) bool {
	if !s.DispenseFeed(deviceID, catID, amount) {
		return false
	}

	now := s.Clock.Now()
	entry := &models.FeedingHistory{
		CatID:     catID,
		DeviceID:  deviceID,
		Amount:    amount,
		Timestamp: now,
	}
	if err := s.Store.AppendHistory(ctx, entry, now.Add(-s.Retention)); err != nil {
		s.Log.Error().Err(err).Str("device", deviceID).Uint("cat", catID).Msg("dispensed but failed to record history")
	}
	return true
}

// 3 ScheduleFeeding stores a schedule on the device
func (s *FeedCommandService) ScheduleFeeding(deviceID string, catID uint, schedule ScheduleSpec) bool {
	return s.send(deviceID, CommandSchedule, ActionSchedule, ScheduleCommand{
		Action:   ActionSchedule,
		CatID:    formatCatID(catID),
		Schedule: schedule,
		IssuedAt: s.issuedAt(),
	})
}

// 4 CancelSchedule removes a schedule from the device
func (s *FeedCommandService) CancelSchedule(deviceID string, catID uint, timeOfDay string) bool {
	return s.send(deviceID, CommandSchedule, ActionCancelSchedule, CancelScheduleCommand{
		Action:   ActionCancelSchedule,
		CatID:    formatCatID(catID),
		Time:     timeOfDay,
		IssuedAt: s.issuedAt(),
	})
}

// 5 SendImage asks the device to capture and upload a picture of the cat
func (s *FeedCommandService) SendImage(deviceID string, catID uint) bool {
	return s.send(deviceID, CommandSendImage, ActionSendImage, CatCommand{
		Action:   ActionSendImage,
		CatID:    formatCatID(catID),
		IssuedAt: s.issuedAt(),
	})
}

// 6 RequestStatus asks the device to report its status
func (s *FeedCommandService) RequestStatus(deviceID string) bool {
	return s.send(deviceID, CommandStatus, ActionGetStatus, DeviceCommand{
		Action:   ActionGetStatus,
		IssuedAt: s.issuedAt(),
	})
}

// 7 TrainModel asks the device to retrain its recognition model
func (s *FeedCommandService) TrainModel(deviceID string) bool {
	return s.send(deviceID, CommandTrainModel, ActionTrainModel, DeviceCommand{
		Action:   ActionTrainModel,
		IssuedAt: s.issuedAt(),
	})
}

// send marshals and publishes one command; failures are logged and reported as false.
func (s *FeedCommandService) send(deviceID, command, action string, payload interface{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error().Interface("panic", r).Str("action", action).Msg("publish panicked")
			ok = false
		}
		result := "ok"
		if !ok {
			result = "failed"
		}
		commandsTotal.WithLabelValues(action, result).Inc()
	}()

	if !s.Publisher.IsConnected() {
		s.Log.Warn().Str("device", deviceID).Str("action", action).Msg("mqtt not connected, command dropped")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.Log.Error().Err(err).Str("action", action).Msg("marshal command")
		return false
	}

	topic := CommandTopic(s.Namespace, deviceID, command)
	if err := s.Publisher.Publish(topic, data); err != nil {
		s.Log.Error().Err(err).Str("topic", topic).Str("action", action).Msg("publish command")
		return false
	}

	s.Log.Info().Str("topic", topic).Str("action", action).Msg("command published")
	return true
}
