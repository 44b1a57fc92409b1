package conductor

// IngestResponse is the envelope returned by the REST ingest endpoints.
// Accepted events answer {ok:true,id} with an optional warning; rejected
// events answer {ok:false,error} alongside HTTP 400.
type IngestResponse struct {
	OK      bool   `json:"ok"`
	ID      string `json:"id,omitempty"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Accepted builds the success envelope for a persisted-and-broadcast event.
func Accepted(id, warning string) IngestResponse {
	return IngestResponse{OK: true, ID: id, Warning: warning}
}

// Rejected builds the failure envelope for a validation error.
func Rejected(reason string) IngestResponse {
	return IngestResponse{OK: false, Error: reason}
}

// HubStats mirrors the hub occupancy counters exposed on the health surface.
type HubStats struct {
	Subscribers int `json:"subscribers"`
	Buffered    int `json:"buffered"`
	Capacity    int `json:"capacity"`
}
