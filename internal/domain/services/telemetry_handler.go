package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"pet-feeder-service/internal/domain/models"
)

// TelemetryKind is the closed set of inbound device messages.
type TelemetryKind int

const (
	TelemetryStatus TelemetryKind = iota + 1
	TelemetryWeight
	TelemetryDetection
	TelemetryFeedingAck
)

func (k TelemetryKind) String() string {
	switch k {
	case TelemetryStatus:
		return "status"
	case TelemetryWeight:
		return "weight"
	case TelemetryDetection:
		return "detection"
	case TelemetryFeedingAck:
		return "feeding_ack"
	default:
		return "unknown"
	}
}

// Telemetry subtopics under <namespace>/<deviceId>/
const (
	TopicStatus          = "status"
	TopicWeight          = "weight"
	TopicDetection       = "detection"
	TopicFeedingResponse = "feeding/response"
)

// TelemetrySubtopics lists every subtopic the link subscribes to.
var TelemetrySubtopics = []string{TopicStatus, TopicWeight, TopicDetection, TopicFeedingResponse}

var kindByAction = map[string]TelemetryKind{
	"status":           TelemetryStatus,
	"sendWeight":       TelemetryWeight,
	"sendCat":          TelemetryDetection,
	"feeding-response": TelemetryFeedingAck,
}

var kindBySubtopic = map[string]TelemetryKind{
	TopicStatus:          TelemetryStatus,
	TopicWeight:          TelemetryWeight,
	TopicDetection:       TelemetryDetection,
	TopicFeedingResponse: TelemetryFeedingAck,
}

// TelemetryMessage is implemented only by the message types in this file.
type TelemetryMessage interface {
	Kind() TelemetryKind
	Device() string
	telemetry()
}

// Message types
type (
	// StatusReport is a device's self-reported status
	StatusReport struct {
		DeviceID string
		Fields   map[string]interface{}
	}

	// WeightReport is the current bowl weight
	WeightReport struct {
		DeviceID  string
		Weight    float64
		Timestamp time.Time
	}

	// DetectionEvent says a cat was recognised at the device
	DetectionEvent struct {
		DeviceID  string
		CatID     uint
		RawTime   string
		Timestamp time.Time
	}

	// FeedingAck is the device's answer to a dispense command
	FeedingAck struct {
		DeviceID string
		Fields   map[string]interface{}
	}
)

func (m StatusReport) Kind() TelemetryKind   { return TelemetryStatus }
func (m WeightReport) Kind() TelemetryKind   { return TelemetryWeight }
func (m DetectionEvent) Kind() TelemetryKind { return TelemetryDetection }
func (m FeedingAck) Kind() TelemetryKind     { return TelemetryFeedingAck }

func (m StatusReport) Device() string   { return m.DeviceID }
func (m WeightReport) Device() string   { return m.DeviceID }
func (m DetectionEvent) Device() string { return m.DeviceID }
func (m FeedingAck) Device() string     { return m.DeviceID }

func (StatusReport) telemetry()   {}
func (WeightReport) telemetry()   {}
func (DetectionEvent) telemetry() {}
func (FeedingAck) telemetry()     {}

// ParseTelemetry turns a raw MQTT message into one of the telemetry types. The device id
// is the topic segment after the namespace; the kind comes from the payload action, or
// from the subtopic when the action is absent. now stamps messages that carry no time.
func ParseTelemetry(namespace, topic string, payload []byte, now time.Time) (TelemetryMessage, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != namespace || parts[1] == "" {
		return nil, fmt.Errorf("%w: unexpected topic %q", ErrMalformedTelemetry, topic)
	}
	deviceID := parts[1]
	subtopic := strings.Join(parts[2:], "/")

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}

	kind, err := resolveKind(fields, subtopic)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TelemetryWeight:
		weight, ok := rawNumber(fields["weight"])
		if !ok {
			return nil, fmt.Errorf("%w: weight missing or not numeric", ErrMalformedTelemetry)
		}
		ts, ok := rawTime(fields["timestamp"])
		if !ok {
			ts = now
		}
		return WeightReport{DeviceID: deviceID, Weight: weight, Timestamp: ts}, nil

	case TelemetryDetection:
		catID, ok := rawCatID(fields["catId"])
		if !ok {
			return nil, fmt.Errorf("%w: catId missing or invalid", ErrMalformedTelemetry)
		}
		ts, ok := rawTime(fields["timestamp"])
		if !ok {
			ts = now
		}
		return DetectionEvent{
			DeviceID:  deviceID,
			CatID:     catID,
			RawTime:   rawKey(fields["timestamp"]),
			Timestamp: ts,
		}, nil

	case TelemetryStatus:
		return StatusReport{DeviceID: deviceID, Fields: decodeFields(fields)}, nil

	default:
		return FeedingAck{DeviceID: deviceID, Fields: decodeFields(fields)}, nil
	}
}

func resolveKind(fields map[string]json.RawMessage, subtopic string) (TelemetryKind, error) {
	if raw, ok := fields["action"]; ok {
		var action string
		if err := json.Unmarshal(raw, &action); err != nil {
			return 0, fmt.Errorf("%w: action is not a string", ErrMalformedTelemetry)
		}
		if action != "" {
			kind, ok := kindByAction[action]
			if !ok {
				return 0, fmt.Errorf("%w: unknown action %q", ErrMalformedTelemetry, action)
			}
			return kind, nil
		}
	}
	kind, ok := kindBySubtopic[subtopic]
	if !ok {
		return 0, fmt.Errorf("%w: no action and unknown subtopic %q", ErrMalformedTelemetry, subtopic)
	}
	return kind, nil
}

func rawNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// rawCatID accepts 7 or "7".
func rawCatID(raw json.RawMessage) (uint, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// rawTime accepts RFC 3339 strings or unix milliseconds.
func rawTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, err == nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

// rawKey is the timestamp as the device sent it, used to recognise redeliveries.
func rawKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(bytes.Trim(raw, `"`))
}

func decodeFields(fields map[string]json.RawMessage) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, raw := range fields {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out
}

// DeviceStatus is the last status report seen from a device.
type DeviceStatus struct {
	SeenAt time.Time              `json:"seenAt"`
	Fields map[string]interface{} `json:"fields"`
}

// TelemetryHandler consumes device telemetry and applies the detection policy: a cat
// recognised at a device is fed on the spot only when no active schedule exists for
// that cat and device.
type TelemetryHandler struct {
	Store           InterfaceFeedingStore
	Dispatcher      InterfaceFeedCommandService
	Weights         InterfaceWeightStore
	Clock           clockwork.Clock
	Namespace       string
	DetectionAmount int
	DedupWindow     time.Duration
	Log             zerolog.Logger

	processed sync.Map // detection key -> *detectionClaim
	statuses  sync.Map // device id -> DeviceStatus
}

// detectionClaim marks a detection event as being handled. Redeliveries wait on done;
// ok is written before done is closed.
type detectionClaim struct {
	seen time.Time
	done chan struct{}
	ok   bool
}

func (c *detectionClaim) completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// NewTelemetryHandler creates the handler
func NewTelemetryHandler(store InterfaceFeedingStore, dispatcher InterfaceFeedCommandService, weights InterfaceWeightStore, clock clockwork.Clock, namespace string, detectionAmount int, dedupWindow time.Duration, log zerolog.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		Store:           store,
		Dispatcher:      dispatcher,
		Weights:         weights,
		Clock:           clock,
		Namespace:       namespace,
		DetectionAmount: detectionAmount,
		DedupWindow:     dedupWindow,
		Log:             log,
	}
}

// HandleMessage is called by the MQTT link for every inbound message. Nothing is returned:
// malformed messages are logged and dropped.
func (h *TelemetryHandler) HandleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.Log.Error().Interface("panic", r).Str("topic", topic).Msg("telemetry handler panicked")
		}
	}()

	msg, err := ParseTelemetry(h.Namespace, topic, payload, h.Clock.Now())
	if err != nil {
		h.Log.Warn().Err(err).Str("topic", topic).Msg("dropping telemetry")
		telemetryTotal.WithLabelValues("malformed").Inc()
		return
	}
	telemetryTotal.WithLabelValues(msg.Kind().String()).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	h.Handle(ctx, msg)
}

// Handle applies one parsed message.
func (h *TelemetryHandler) Handle(ctx context.Context, msg TelemetryMessage) {
	switch m := msg.(type) {
	case StatusReport:
		h.statuses.Store(m.DeviceID, DeviceStatus{SeenAt: h.Clock.Now(), Fields: m.Fields})
		h.Log.Info().Str("device", m.DeviceID).Interface("status", m.Fields).Msg("device status")
	case WeightReport:
		h.handleWeight(ctx, m)
	case DetectionEvent:
		h.handleDetection(ctx, m)
	case FeedingAck:
		h.Log.Info().Str("device", m.DeviceID).Interface("response", m.Fields).Msg("feeding response")
	}
}

func (h *TelemetryHandler) handleWeight(ctx context.Context, m WeightReport) {
	sample := models.DeviceWeightSample{DeviceID: m.DeviceID, Weight: m.Weight, Timestamp: m.Timestamp}
	if err := h.Weights.Set(ctx, sample); err != nil {
		h.Log.Error().Err(err).Str("device", m.DeviceID).Msg("store weight")
		return
	}
	h.Log.Debug().Str("device", m.DeviceID).Float64("weight", m.Weight).Msg("weight updated")
}

func (h *TelemetryHandler) handleDetection(ctx context.Context, m DetectionEvent) {
	log := h.Log.With().Str("device", m.DeviceID).Uint("cat", m.CatID).Str("at", m.RawTime).Logger()

	var claim *detectionClaim
	key := ""
	if m.RawTime != "" {
		key = fmt.Sprintf("%s:%d:%s", m.DeviceID, m.CatID, m.RawTime)
		var dup bool
		claim, dup = h.claim(ctx, key)
		if dup {
			log.Info().Msg("duplicate detection dropped")
			detectionDecisions.WithLabelValues("duplicate").Inc()
			return
		}
		if claim == nil {
			log.Warn().Err(ctx.Err()).Msg("gave up waiting for an earlier delivery of this detection")
			detectionDecisions.WithLabelValues("failed").Inc()
			return
		}
	}

	handled := false
	defer func() {
		if claim == nil {
			return
		}
		claim.ok = handled
		if !handled {
			h.processed.CompareAndDelete(key, claim)
		}
		close(claim.done)
	}()

	schedules, err := h.Store.FindActiveSchedules(ctx, m.CatID, m.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("detection: schedule lookup failed")
		detectionDecisions.WithLabelValues("failed").Inc()
		return
	}
	if len(schedules) > 0 {
		log.Info().Int("activeSchedules", len(schedules)).Msg("cat has active schedules, no detection feeding")
		detectionDecisions.WithLabelValues("suppressed").Inc()
		handled = true
		return
	}

	if !h.Dispatcher.DispenseAndRecord(ctx, m.DeviceID, m.CatID, h.DetectionAmount) {
		log.Warn().Msg("detection feeding failed to publish")
		detectionDecisions.WithLabelValues("failed").Inc()
		return
	}
	log.Info().Int("amount", h.DetectionAmount).Msg("detection feeding dispensed")
	detectionDecisions.WithLabelValues("dispensed").Inc()
	handled = true
}

// claim takes ownership of a detection key. If another delivery holds it, claim waits for
// that delivery: a handled event makes this one a duplicate, a failed one releases the key
// to be claimed again. A nil claim without dup means ctx ended while waiting.
func (h *TelemetryHandler) claim(ctx context.Context, key string) (*detectionClaim, bool) {
	for {
		mine := &detectionClaim{seen: h.Clock.Now(), done: make(chan struct{})}
		v, loaded := h.processed.LoadOrStore(key, mine)
		if !loaded {
			return mine, false
		}
		prev := v.(*detectionClaim)
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, false
		}
		if prev.ok {
			return nil, true
		}
		h.processed.CompareAndDelete(key, prev)
	}
}

// SweepProcessed forgets detection keys older than the dedup window and returns how many.
func (h *TelemetryHandler) SweepProcessed() int {
	cutoff := h.Clock.Now().Add(-h.DedupWindow)
	count := 0
	h.processed.Range(func(key, value interface{}) bool {
		if c, ok := value.(*detectionClaim); ok && c.completed() && c.seen.Before(cutoff) {
			h.processed.Delete(key)
			count++
		}
		return true
	})
	return count
}

// LastStatus returns the last status report of a device.
func (h *TelemetryHandler) LastStatus(deviceID string) (DeviceStatus, bool) {
	v, ok := h.statuses.Load(deviceID)
	if !ok {
		return DeviceStatus{}, false
	}
	return v.(DeviceStatus), true
}
