// Package handlers wires the HTTP surface of the conductor: the duplex
// WebSocket endpoint, the REST ingest fallback, and the liveness probe.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/pkg/api/common"
	"github.com/TrainLCD/THQ/pkg/api/conductor"
	"github.com/TrainLCD/THQ/pkg/logging"
	"github.com/TrainLCD/THQ/pkg/middleware"
	"github.com/TrainLCD/THQ/pkg/models"
	"github.com/TrainLCD/THQ/pkg/validation"
)

// AuthConfig is the shared-secret policy for the WebSocket handshake.
type AuthConfig struct {
	Token    string
	Required bool
}

// ConductorHandlers contains the HTTP handlers for the service.
type ConductorHandlers struct {
	pipeline *ingest.Pipeline
	auth     AuthConfig
	logger   logging.Logger
}

// NewConductorHandlers creates a new handlers instance.
func NewConductorHandlers(pipeline *ingest.Pipeline, auth AuthConfig, logger logging.Logger) *ConductorHandlers {
	return &ConductorHandlers{
		pipeline: pipeline,
		auth:     auth,
		logger:   logger,
	}
}

// HandleIngestLocation accepts a location_update payload over REST. Unlike
// the WebSocket path, a negative speed means "no reading" here and is
// dropped before validation.
func (h *ConductorHandlers) HandleIngestLocation(c *gin.Context) {
	var payload validation.LocationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.pipeline.CountRejected(models.ErrJSONParse, ingest.SourceREST)
		middleware.GetContextLogger(c, h.logger).WithField("error_type", string(models.ErrJSONParse)).Warn("Rejected location payload")
		c.JSON(http.StatusBadRequest, conductor.Rejected(fmt.Sprintf("invalid location payload: %v", err)))
		return
	}

	if payload.Coords != nil && payload.Coords.Speed != nil && *payload.Coords.Speed < 0 {
		payload.Coords.Speed = nil
	}

	if verr := h.pipeline.Validator().CheckLocation(&payload); verr != nil {
		h.pipeline.CountRejected(verr.Kind, ingest.SourceREST)
		middleware.GetContextLogger(c, h.logger).WithField("error_type", string(verr.Kind)).Warn("Rejected location payload")
		c.JSON(http.StatusBadRequest, conductor.Rejected(verr.Reason))
		return
	}

	outgoing, warning := h.pipeline.IngestLocation(c.Request.Context(), &payload, ingest.SourceREST)
	c.JSON(http.StatusOK, conductor.Accepted(outgoing.ID, warning))
}

// HandleIngestLog accepts a log payload over REST.
func (h *ConductorHandlers) HandleIngestLog(c *gin.Context) {
	var payload validation.LogPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.pipeline.CountRejected(models.ErrJSONParse, ingest.SourceREST)
		middleware.GetContextLogger(c, h.logger).WithField("error_type", string(models.ErrJSONParse)).Warn("Rejected log payload")
		c.JSON(http.StatusBadRequest, conductor.Rejected(fmt.Sprintf("invalid log payload: %v", err)))
		return
	}

	if verr := h.pipeline.Validator().CheckLog(&payload); verr != nil {
		h.pipeline.CountRejected(verr.Kind, ingest.SourceREST)
		middleware.GetContextLogger(c, h.logger).WithField("error_type", string(verr.Kind)).Warn("Rejected log payload")
		c.JSON(http.StatusBadRequest, conductor.Rejected(verr.Reason))
		return
	}

	outgoing := h.pipeline.IngestLog(c.Request.Context(), &payload, ingest.SourceREST)
	c.JSON(http.StatusOK, conductor.Accepted(outgoing.ID, ""))
}

// HandleHealthz is the bare liveness probe.
func (h *ConductorHandlers) HandleHealthz(c *gin.Context) {
	c.Status(http.StatusOK)
}

// HandleHubStats reports ring and subscriber registry occupancy.
func (h *ConductorHandlers) HandleHubStats(c *gin.Context) {
	subscribers, buffered, capacity := h.pipeline.Hub().Stats()
	c.JSON(http.StatusOK, conductor.HubStats{
		Subscribers: subscribers,
		Buffered:    buffered,
		Capacity:    capacity,
	})
}

// HandleNotFound provides a custom 404 handler.
func (h *ConductorHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, common.ErrorResponse{
		Error:   "not_found",
		Service: "conductor",
	})
}
