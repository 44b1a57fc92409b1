package common

// ErrorResponse represents a standard error response used across all transports
type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service,omitempty"` // Which service generated the error
}
