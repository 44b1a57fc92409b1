// Package validation decodes and validates telemetry payloads arriving over
// the duplex WebSocket path and the REST ingest endpoints. Structural checks
// (required fields, types, enum membership) classify as JSON parse failures;
// semantic checks on well-formed payloads classify as coordinate or payload
// validation failures. The classification decides which unicast error type
// the sender receives.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/TrainLCD/THQ/pkg/models"
)

// Envelope is the tagged-union header on every duplex frame.
type Envelope struct {
	Type string `json:"type"`
}

// SubscribePayload registers the sender as a hub subscriber.
type SubscribePayload struct {
	Device *string `json:"device"`
}

// Coords is the raw coordinate block before normalization.
type Coords struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Accuracy  *float64 `json:"accuracy"`
	Speed     *float64 `json:"speed"`
}

// LocationPayload is a raw location_update before normalization.
type LocationPayload struct {
	ID        *string              `json:"id"`
	Device    *string              `json:"device" validate:"required"`
	State     models.MovementState `json:"state" validate:"required"`
	StationID *int64               `json:"station_id"`
	LineID    *int64               `json:"line_id" validate:"required"`
	Coords    *Coords              `json:"coords" validate:"required"`
	Timestamp *int64               `json:"timestamp" validate:"required,gte=0"`
}

// LogRecord is the nested log body on a raw log payload.
type LogRecord struct {
	Type    models.LogType  `json:"type" validate:"required"`
	Level   models.LogLevel `json:"level" validate:"required"`
	Message string          `json:"message"`
}

// LogPayload is a raw log event before normalization.
type LogPayload struct {
	ID        *string    `json:"id"`
	Device    *string    `json:"device" validate:"required"`
	Timestamp *int64     `json:"timestamp" validate:"required,gte=0"`
	Log       *LogRecord `json:"log" validate:"required"`
}

// ValidationError carries the protocol error classification alongside the
// human-readable reason sent back to the client.
type ValidationError struct {
	Kind   models.ErrorType
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func newError(kind models.ErrorType, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Reason: reason}
}

// TelemetryValidator performs structural and semantic validation for
// telemetry payloads before they enter the dispatch pipeline.
type TelemetryValidator struct {
	validator *validator.Validate
}

// NewTelemetryValidator constructs a TelemetryValidator with standard struct validation.
func NewTelemetryValidator() *TelemetryValidator {
	return &TelemetryValidator{
		validator: validator.New(),
	}
}

// DecodeEnvelope reads the type tag from a duplex frame.
func DecodeEnvelope(data []byte) (*Envelope, *ValidationError) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, newError(models.ErrJSONParse, fmt.Sprintf("invalid JSON: %v", err))
	}
	if env.Type == "" {
		return nil, newError(models.ErrJSONParse, "missing message type tag")
	}
	return &env, nil
}

// DecodeSubscribe decodes a subscribe frame.
func (v *TelemetryValidator) DecodeSubscribe(data []byte) (*SubscribePayload, *ValidationError) {
	var payload SubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, newError(models.ErrJSONParse, fmt.Sprintf("invalid subscribe payload: %v", err))
	}
	return &payload, nil
}

// DecodeLocation decodes and fully validates a location_update payload.
func (v *TelemetryValidator) DecodeLocation(data []byte) (*LocationPayload, *ValidationError) {
	var payload LocationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, newError(models.ErrJSONParse, fmt.Sprintf("invalid location payload: %v", err))
	}
	if verr := v.CheckLocation(&payload); verr != nil {
		return nil, verr
	}
	return &payload, nil
}

// DecodeLog decodes and fully validates a log payload.
func (v *TelemetryValidator) DecodeLog(data []byte) (*LogPayload, *ValidationError) {
	var payload LogPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, newError(models.ErrJSONParse, fmt.Sprintf("invalid log payload: %v", err))
	}
	if verr := v.CheckLog(&payload); verr != nil {
		return nil, verr
	}
	return &payload, nil
}

// CheckLocation runs the structural tag checks followed by the semantic
// rules on an already-decoded payload. The REST path uses it directly so it
// can coerce negative speeds to absent before validation.
func (v *TelemetryValidator) CheckLocation(p *LocationPayload) *ValidationError {
	if err := v.validator.Struct(p); err != nil {
		return newError(models.ErrJSONParse, structuralReason(err))
	}
	return v.ValidateLocation(p)
}

// CheckLog runs the structural tag checks followed by the semantic rules on
// an already-decoded payload.
func (v *TelemetryValidator) CheckLog(p *LogPayload) *ValidationError {
	if err := v.validator.Struct(p); err != nil {
		return newError(models.ErrJSONParse, structuralReason(err))
	}
	return v.ValidateLog(p)
}

// ValidateLocation applies the semantic coordinate rules to a structurally
// sound payload. Coordinate violations are reported as invalid_coords; the
// remaining numeric rules as payload_parse_error.
func (v *TelemetryValidator) ValidateLocation(p *LocationPayload) *ValidationError {
	lat, lon := *p.Coords.Latitude, *p.Coords.Longitude
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return newError(models.ErrInvalidCoords, "latitude/longitude must be finite numbers")
	}
	if math.Abs(lat) > 90.0 || math.Abs(lon) > 180.0 {
		return newError(models.ErrInvalidCoords, fmt.Sprintf("latitude %.6f or longitude %.6f is out of range", lat, lon))
	}
	if p.Coords.Speed != nil {
		if speed := *p.Coords.Speed; math.IsNaN(speed) || math.IsInf(speed, 0) {
			return newError(models.ErrPayloadParse, "speed must be finite")
		}
	}
	if p.Coords.Accuracy != nil {
		acc := *p.Coords.Accuracy
		if math.IsNaN(acc) || math.IsInf(acc, 0) {
			return newError(models.ErrPayloadParse, "accuracy must be finite")
		}
		if acc < 0.0 {
			return newError(models.ErrPayloadParse, "accuracy must be >= 0")
		}
	}
	return nil
}

// ValidateLog applies the semantic log rules to a structurally sound payload.
func (v *TelemetryValidator) ValidateLog(p *LogPayload) *ValidationError {
	if strings.TrimSpace(p.Log.Message) == "" {
		return newError(models.ErrPayloadParse, "log.message must not be empty")
	}
	return nil
}

// structuralReason flattens a validator error into a single readable line.
func structuralReason(err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace())
		}
		return fmt.Sprintf("missing or invalid fields: %s", strings.Join(fields, ", "))
	}
	return err.Error()
}
