package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/TrainLCD/THQ/pkg/logging"
	"github.com/TrainLCD/THQ/pkg/models"
	"github.com/TrainLCD/THQ/pkg/validation"
)

// Session is the protocol state of one duplex connection: its hub identity,
// its outbound queue and whether it has subscribed. All methods are called
// from the connection's reader goroutine, so no locking is needed.
type Session struct {
	p          *Pipeline
	id         uuid.UUID
	send       chan<- string
	done       <-chan struct{}
	subscribed bool
	logger     logging.Logger
}

// NewSession wires a connection's outbound queue and teardown signal into
// the pipeline. The caller closes done exactly once when the connection
// ends; neither the session nor the hub ever closes send.
func (p *Pipeline) NewSession(send chan<- string, done <-chan struct{}) *Session {
	return &Session{
		p:      p,
		id:     uuid.New(),
		send:   send,
		done:   done,
		logger: p.logger,
	}
}

// ID returns the session's hub identity.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// HandleText dispatches one text frame.
func (s *Session) HandleText(ctx context.Context, data []byte) {
	env, verr := validation.DecodeEnvelope(data)
	if verr != nil {
		s.reject(verr, "envelope")
		return
	}

	switch env.Type {
	case models.TypeSubscribe:
		payload, verr := s.p.validator.DecodeSubscribe(data)
		if verr != nil {
			s.reject(verr, env.Type)
			return
		}
		s.subscribe(payload.Device)

	case models.TypeLocationUpdate:
		payload, verr := s.p.validator.DecodeLocation(data)
		if verr != nil {
			s.reject(verr, env.Type)
			return
		}
		_, warning := s.p.IngestLocation(ctx, payload, SourceWebsocket)
		if warning != "" {
			s.sendError(models.ErrAccuracyLow, warning)
		}

	case models.TypeLog:
		payload, verr := s.p.validator.DecodeLog(data)
		if verr != nil {
			s.reject(verr, env.Type)
			return
		}
		s.p.IngestLog(ctx, payload, SourceWebsocket)

	default:
		verr := &validation.ValidationError{
			Kind:   models.ErrUnknown,
			Reason: fmt.Sprintf("unknown event type: %s", env.Type),
		}
		s.reject(verr, env.Type)
	}
}

// HandleBinary rejects a binary frame; the protocol is text-only.
func (s *Session) HandleBinary() {
	verr := &validation.ValidationError{
		Kind:   models.ErrWebsocketMessage,
		Reason: "binary frames are not supported",
	}
	s.reject(verr, "binary")
}

// Close releases the hub registration. Safe to call on sessions that never
// subscribed.
func (s *Session) Close() {
	if s.subscribed {
		s.p.hub.RemoveSubscriber(s.id)
		s.subscribed = false
	}
}

// subscribe registers the session with the hub, replays retained history
// and broadcasts the acknowledgement log. Repeat subscribes are ignored.
func (s *Session) subscribe(device *string) {
	if s.subscribed {
		s.logger.WithField("subscriber_id", s.id.String()).Debug("Duplicate subscribe ignored")
		return
	}

	s.p.hub.AddSubscriber(s.id, s.send, s.done)
	s.subscribed = true

	// Replay blocks on queue space rather than dropping, so the snapshot
	// arrives complete. A connection dying mid-replay aborts via done.
	for _, payload := range s.p.hub.Snapshot() {
		if !s.push(payload) {
			return
		}
	}

	who := "unknown-client"
	if device != nil && *device != "" {
		who = *device
	}
	s.p.BroadcastSystemLog(fmt.Sprintf("subscriber registered: %s", who))
}

func (s *Session) reject(verr *validation.ValidationError, eventType string) {
	s.p.CountRejected(verr.Kind, SourceWebsocket)
	s.logger.WithFields(logging.Fields{
		"error_type": string(verr.Kind),
		"event_type": eventType,
	}).Warn("Rejected websocket payload")
	s.sendError(verr.Kind, verr.Reason)
}

func (s *Session) sendError(kind models.ErrorType, reason string) {
	payload, err := json.Marshal(models.NewError(kind, reason))
	if err != nil {
		s.logger.WithError(err).Error("Failed to serialize error payload")
		return
	}
	s.push(string(payload))
}

func (s *Session) push(payload string) bool {
	select {
	case s.send <- payload:
		return true
	case <-s.done:
		return false
	}
}
