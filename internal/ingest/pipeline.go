// Package ingest turns validated telemetry payloads into normalized events
// and dispatches them: segment annotation, broadcast through the hub, then
// best-effort persistence. Both the duplex and REST surfaces feed it.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TrainLCD/THQ/internal/hub"
	"github.com/TrainLCD/THQ/internal/metrics"
	"github.com/TrainLCD/THQ/internal/segment"
	"github.com/TrainLCD/THQ/internal/storage"
	"github.com/TrainLCD/THQ/pkg/logging"
	"github.com/TrainLCD/THQ/pkg/models"
	"github.com/TrainLCD/THQ/pkg/validation"
)

// accuracyWarnThreshold is the reported GPS accuracy in meters above which
// the sender gets an accuracy_low warning. The event is still dispatched.
const accuracyWarnThreshold = 100.0

// systemDevice identifies payloads generated by the server itself.
const systemDevice = "thq-server"

// Sources label where a payload entered the service, for logs and metrics.
const (
	SourceWebsocket = "websocket"
	SourceREST      = "rest"
)

// Pipeline normalizes and dispatches telemetry events.
type Pipeline struct {
	hub       *hub.Hub
	store     *storage.Store
	estimator *segment.Estimator
	validator *validation.TelemetryValidator
	logger    logging.Logger
	metrics   *metrics.Metrics
	nowMS     func() int64
}

// New creates a pipeline over the hub, store and estimator.
func New(h *hub.Hub, store *storage.Store, estimator *segment.Estimator, logger logging.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		hub:       h,
		store:     store,
		estimator: estimator,
		validator: validation.NewTelemetryValidator(),
		logger:    logger,
		metrics:   m,
		nowMS:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Validator returns the shared payload validator.
func (p *Pipeline) Validator() *validation.TelemetryValidator {
	return p.validator
}

// Hub returns the fan-out hub the pipeline dispatches into.
func (p *Pipeline) Hub() *hub.Hub {
	return p.hub
}

// IngestLocation normalizes a validated location payload, annotates it with
// a segment estimate and dispatches it. The returned warning is non-empty
// when the reported accuracy exceeds the warn threshold; a warning never
// stops dispatch.
func (p *Pipeline) IngestLocation(ctx context.Context, raw *validation.LocationPayload, source string) (*models.OutgoingLocation, string) {
	start := time.Now()

	// The warning reflects the accuracy as reported, before normalization.
	warning := ""
	if raw.Coords.Accuracy != nil && *raw.Coords.Accuracy > accuracyWarnThreshold {
		warning = fmt.Sprintf("reported accuracy %.1fm exceeds threshold %.0fm", *raw.Coords.Accuracy, accuracyWarnThreshold)
	}

	loc := p.normalizeLocation(raw)
	p.estimator.Annotate(loc)

	if payload, err := json.Marshal(loc); err != nil {
		p.logger.WithError(err).Error("Failed to serialize location update")
	} else {
		p.hub.Broadcast(string(payload))
		p.countBroadcast(models.TypeLocationUpdate)
	}

	if err := p.store.InsertLocation(ctx, loc); err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"id":     loc.ID,
			"device": loc.Device,
		}).Error("Failed to persist location update")
	}

	p.countIngested(models.TypeLocationUpdate, source)
	p.observeDuration(models.TypeLocationUpdate, start)
	return loc, warning
}

// IngestLog normalizes a validated log payload and dispatches it.
func (p *Pipeline) IngestLog(ctx context.Context, raw *validation.LogPayload, source string) *models.OutgoingLog {
	start := time.Now()

	entry := p.normalizeLog(raw)

	if payload, err := json.Marshal(entry); err != nil {
		p.logger.WithError(err).Error("Failed to serialize log event")
	} else {
		p.hub.Broadcast(string(payload))
		p.countBroadcast(models.TypeLog)
	}

	if err := p.store.InsertLog(ctx, entry); err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"id":     entry.ID,
			"device": entry.Device,
		}).Error("Failed to persist log event")
	}

	p.countIngested(models.TypeLog, source)
	p.observeDuration(models.TypeLog, start)
	return entry
}

// BroadcastSystemLog fans out a server-generated system log, such as the
// subscribe acknowledgement. System logs are broadcast but not persisted.
func (p *Pipeline) BroadcastSystemLog(message string) {
	entry := models.OutgoingLog{
		Type:      models.TypeLog,
		ID:        uuid.NewString(),
		Device:    systemDevice,
		Timestamp: p.nowMS(),
		Log: models.LogBody{
			Type:    models.LogTypeSystem,
			Level:   models.LevelInfo,
			Message: message,
		},
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		p.logger.WithError(err).Error("Failed to serialize system log")
		return
	}
	p.hub.Broadcast(string(payload))
	p.countBroadcast(models.TypeLog)
}

// CountRejected records a payload rejected before dispatch.
func (p *Pipeline) CountRejected(kind models.ErrorType, source string) {
	if p.metrics != nil && p.metrics.IngestErrors != nil {
		p.metrics.IngestErrors.WithLabelValues(string(kind), source).Inc()
	}
}

// normalizeLocation fills the derived fields: a generated id when the
// client sent none, speed defaulting to zero, and station_id cleared for
// states describing travel between stations.
func (p *Pipeline) normalizeLocation(raw *validation.LocationPayload) *models.OutgoingLocation {
	id := uuid.NewString()
	if raw.ID != nil && *raw.ID != "" {
		id = *raw.ID
	}

	stationID := raw.StationID
	if raw.State.Continuous() {
		stationID = nil
	}

	speed := 0.0
	if raw.Coords.Speed != nil {
		speed = *raw.Coords.Speed
	}

	return &models.OutgoingLocation{
		Type:      models.TypeLocationUpdate,
		ID:        id,
		Device:    *raw.Device,
		State:     raw.State,
		StationID: stationID,
		LineID:    *raw.LineID,
		Coords: models.OutgoingCoords{
			Latitude:  *raw.Coords.Latitude,
			Longitude: *raw.Coords.Longitude,
			Accuracy:  raw.Coords.Accuracy,
			Speed:     speed,
		},
		Timestamp: *raw.Timestamp,
	}
}

func (p *Pipeline) normalizeLog(raw *validation.LogPayload) *models.OutgoingLog {
	id := uuid.NewString()
	if raw.ID != nil && *raw.ID != "" {
		id = *raw.ID
	}

	return &models.OutgoingLog{
		Type:      models.TypeLog,
		ID:        id,
		Device:    *raw.Device,
		Timestamp: *raw.Timestamp,
		Log: models.LogBody{
			Type:    raw.Log.Type,
			Level:   raw.Log.Level,
			Message: raw.Log.Message,
		},
	}
}

func (p *Pipeline) countBroadcast(eventType string) {
	if p.metrics != nil && p.metrics.HubBroadcasts != nil {
		p.metrics.HubBroadcasts.WithLabelValues(eventType).Inc()
	}
}

func (p *Pipeline) countIngested(eventType, source string) {
	if p.metrics != nil && p.metrics.EventsIngested != nil {
		p.metrics.EventsIngested.WithLabelValues(eventType, source).Inc()
	}
}

func (p *Pipeline) observeDuration(eventType string, start time.Time) {
	if p.metrics != nil && p.metrics.IngestDuration != nil {
		p.metrics.IngestDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
}
