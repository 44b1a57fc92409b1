package models

import (
	"encoding/json"
	"fmt"
)

// Message type tags shared by the duplex and REST surfaces.
const (
	TypeSubscribe      = "subscribe"
	TypeLocationUpdate = "location_update"
	TypeLog            = "log"
	TypeError          = "error"
)

// MovementState describes what a device is doing relative to a station
type MovementState string

const (
	StateArrived     MovementState = "arrived"
	StateApproaching MovementState = "approaching"
	StatePassing     MovementState = "passing"
	StateMoving      MovementState = "moving"
)

// Continuous reports whether the state describes travel between stations
// rather than a station event. Continuous states never carry a station_id.
func (s MovementState) Continuous() bool {
	return s == StateMoving || s == StateApproaching
}

// Valid reports whether the value is a known movement state
func (s MovementState) Valid() bool {
	switch s {
	case StateArrived, StateApproaching, StatePassing, StateMoving:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown movement states at decode time
func (s *MovementState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	state := MovementState(raw)
	if !state.Valid() {
		return fmt.Errorf("unknown movement state %q", raw)
	}
	*s = state
	return nil
}

// LogLevel is the severity of a device log event
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Valid reports whether the value is a known log level
func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown log levels at decode time
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	level := LogLevel(raw)
	if !level.Valid() {
		return fmt.Errorf("unknown log level %q", raw)
	}
	*l = level
	return nil
}

// LogType is the origin of a device log event
type LogType string

const (
	LogTypeSystem LogType = "system"
	LogTypeApp    LogType = "app"
	LogTypeClient LogType = "client"
)

// Valid reports whether the value is a known log type
func (t LogType) Valid() bool {
	switch t {
	case LogTypeSystem, LogTypeApp, LogTypeClient:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown log types at decode time
func (t *LogType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	logType := LogType(raw)
	if !logType.Valid() {
		return fmt.Errorf("unknown log type %q", raw)
	}
	*t = logType
	return nil
}

// ErrorType classifies unicast protocol errors
type ErrorType string

const (
	ErrWebsocketMessage ErrorType = "websocket_message_error"
	ErrJSONParse        ErrorType = "json_parse_error"
	ErrPayloadParse     ErrorType = "payload_parse_error"
	ErrAccuracyLow      ErrorType = "accuracy_low"
	ErrInvalidCoords    ErrorType = "invalid_coords"
	ErrUnknown          ErrorType = "unknown"
)

// LogBody is the nested log record inside a log event
type LogBody struct {
	Type    LogType  `json:"type"`
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// OutgoingCoords is the normalized coordinate block on broadcast payloads.
// Speed is always present after normalization; accuracy stays optional.
type OutgoingCoords struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Speed     float64  `json:"speed"`
}

// OutgoingLocation is a normalized location update: the broadcast payload
// and the persisted row share this value.
type OutgoingLocation struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Device        string         `json:"device"`
	State         MovementState  `json:"state"`
	StationID     *int64         `json:"station_id"`
	LineID        int64          `json:"line_id"`
	SegmentID     *string        `json:"segment_id"`
	FromStationID *int64         `json:"from_station_id"`
	ToStationID   *int64         `json:"to_station_id"`
	Coords        OutgoingCoords `json:"coords"`
	Timestamp     int64          `json:"timestamp"`
}

// OutgoingLog is a normalized log event
type OutgoingLog struct {
	Type      string  `json:"type"`
	ID        string  `json:"id"`
	Device    string  `json:"device"`
	Timestamp int64   `json:"timestamp"`
	Log       LogBody `json:"log"`
}

// ErrorBody carries the error classification and a human-readable reason
type ErrorBody struct {
	Type   ErrorType `json:"type"`
	Reason string    `json:"reason"`
}

// OutgoingError is a unicast protocol error. It is never broadcast.
type OutgoingError struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// NewError builds a unicast error payload
func NewError(errType ErrorType, reason string) OutgoingError {
	return OutgoingError{
		Type:  TypeError,
		Error: ErrorBody{Type: errType, Reason: reason},
	}
}
