// Package segment infers the track segment a device is traversing from its
// stream of location updates and the static line topology. Station events
// (arrived, passing) anchor the per-device track; continuous events (moving,
// approaching) extrapolate one hop ahead along the line graph.
package segment

import (
	"fmt"
	"sync"

	"github.com/TrainLCD/THQ/internal/topology"
	"github.com/TrainLCD/THQ/pkg/logging"
	"github.com/TrainLCD/THQ/pkg/models"
)

// idleTrackTTLMS prunes device tracks that have been silent for six hours,
// measured against the timestamp of the event being handled.
const idleTrackTTLMS = 6 * 3600 * 1000

// StationPoint is a station on a specific line.
type StationPoint struct {
	StationID int64
	LineID    int64
}

// Segment is an ordered pair of adjacent stations on a line.
type Segment struct {
	LineID int64
	From   int64
	To     int64
}

// ID renders the canonical segment identifier.
func (s Segment) ID() string {
	return fmt.Sprintf("%d:%d:%d", s.LineID, s.From, s.To)
}

// deviceTrack is the running state for one device. Tracks mutate on every
// location event, so the estimator holds the write lock for the whole call.
type deviceTrack struct {
	lastStation *StationPoint
	prevStation *StationPoint
	lastSegment *Segment
	lastSeenMS  int64
}

func (t *deviceTrack) reset() {
	t.lastStation = nil
	t.prevStation = nil
	t.lastSegment = nil
}

// Estimator annotates location updates with inferred segments.
type Estimator struct {
	mu     sync.RWMutex
	topo   *topology.Lines
	tracks map[string]*deviceTrack
	logger logging.Logger
}

// New creates an estimator over an immutable topology.
func New(topo *topology.Lines, logger logging.Logger) *Estimator {
	if topo == nil {
		topo = topology.Empty()
	}
	return &Estimator{
		topo:   topo,
		tracks: make(map[string]*deviceTrack),
		logger: logger,
	}
}

// Annotate populates segment_id, from_station_id and to_station_id on a
// normalized location update, or clears all three when no segment can be
// inferred. Updates on lines unknown to the topology pass through untouched.
func (e *Estimator) Annotate(loc *models.OutgoingLocation) {
	if !e.topo.HasLine(loc.LineID) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneLocked(loc.Timestamp)

	track, ok := e.tracks[loc.Device]
	if !ok {
		track = &deviceTrack{}
		e.tracks[loc.Device] = track
	}
	track.lastSeenMS = loc.Timestamp

	var seg *Segment
	if loc.State == models.StateArrived || loc.State == models.StatePassing {
		seg = e.stationEventLocked(track, loc)
	} else {
		seg = e.continuousLocked(track, loc)
	}

	if seg != nil {
		id := seg.ID()
		from, to := seg.From, seg.To
		loc.SegmentID = &id
		loc.FromStationID = &from
		loc.ToStationID = &to
	} else {
		loc.SegmentID = nil
		loc.FromStationID = nil
		loc.ToStationID = nil
	}
}

// stationEventLocked handles arrived/passing updates. The observed station
// becomes the new track anchor; a segment is emitted only when the hop from
// the previous anchor is an edge of the line graph.
func (e *Estimator) stationEventLocked(track *deviceTrack, loc *models.OutgoingLocation) *Segment {
	if loc.StationID == nil {
		return nil
	}
	station := *loc.StationID

	if track.lastStation != nil && track.lastStation.LineID != loc.LineID {
		track.reset()
	}

	if !e.topo.HasStation(loc.LineID, station) {
		if e.logger != nil {
			e.logger.WithFields(logging.Fields{
				"device":     loc.Device,
				"line_id":    loc.LineID,
				"station_id": station,
			}).Warn("Station not found in line topology")
		}
		return nil
	}

	var seg *Segment
	if track.lastStation != nil && e.topo.Adjacent(loc.LineID, track.lastStation.StationID, station) {
		seg = &Segment{LineID: loc.LineID, From: track.lastStation.StationID, To: station}
		track.lastSegment = seg
	} else {
		track.lastSegment = nil
	}

	track.prevStation = track.lastStation
	track.lastStation = &StationPoint{StationID: station, LineID: loc.LineID}
	return seg
}

// continuousLocked handles moving/approaching updates by extrapolating one
// hop from the last anchored station, preferring the direction the device
// did not come from. Ties break on the smallest station id.
func (e *Estimator) continuousLocked(track *deviceTrack, loc *models.OutgoingLocation) *Segment {
	if track.lastStation != nil && track.lastStation.LineID != loc.LineID {
		track.reset()
		return nil
	}
	if track.lastStation == nil {
		return nil
	}

	last := track.lastStation.StationID
	var chosen *int64
	for _, neighbor := range e.topo.Neighbors(loc.LineID, last) {
		if track.prevStation != nil && neighbor == track.prevStation.StationID {
			continue
		}
		candidate := neighbor
		chosen = &candidate
		break
	}
	if chosen == nil {
		// One-hop backtrack from a leaf: the only way out is where the
		// device came from, so no segment and the track stays as is.
		return nil
	}

	seg := &Segment{LineID: loc.LineID, From: last, To: *chosen}
	track.lastSegment = seg
	return seg
}

func (e *Estimator) pruneLocked(nowMS int64) {
	for device, track := range e.tracks {
		if nowMS-track.lastSeenMS > idleTrackTTLMS {
			delete(e.tracks, device)
		}
	}
}

// TrackCount returns the number of live device tracks.
func (e *Estimator) TrackCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tracks)
}
