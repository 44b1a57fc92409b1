package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrainLCD/THQ/internal/hub"
	"github.com/TrainLCD/THQ/internal/segment"
	"github.com/TrainLCD/THQ/internal/storage"
	"github.com/TrainLCD/THQ/internal/topology"
	"github.com/TrainLCD/THQ/pkg/logging"
	"github.com/TrainLCD/THQ/pkg/models"
	"github.com/TrainLCD/THQ/pkg/validation"
)

// testTopology loads line 1 as the path 101-102-103-104.
func testTopology(t *testing.T) *topology.Lines {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lines.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1":[101,102,103,104]}`), 0o600))
	lines, err := topology.Load(path, logging.NewLogger())
	require.NoError(t, err)
	return lines
}

func newTestPipeline(t *testing.T, capacity int) *Pipeline {
	t.Helper()
	logger := logging.NewLogger()
	h := hub.New(capacity, logger, nil)
	store := storage.New(nil, logger, nil)
	est := segment.New(testTopology(t), logger)
	return New(h, store, est, logger, nil)
}

func newTestPipelineWithDB(t *testing.T) (*Pipeline, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	logger := logging.NewLogger()
	h := hub.New(8, logger, nil)
	store := storage.New(db, logger, nil)
	est := segment.New(topology.Empty(), logger)
	return New(h, store, est, logger, nil), mock, db
}

func decodeLocation(t *testing.T, p *Pipeline, body string) *validation.LocationPayload {
	t.Helper()
	payload, verr := p.Validator().DecodeLocation([]byte(body))
	require.Nil(t, verr)
	return payload
}

func decodeLog(t *testing.T, p *Pipeline, body string) *validation.LogPayload {
	t.Helper()
	payload, verr := p.Validator().DecodeLog([]byte(body))
	require.Nil(t, verr)
	return payload
}

func subscribeRaw(t *testing.T, p *Pipeline) chan string {
	t.Helper()
	ch := make(chan string, 32)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	p.Hub().AddSubscriber(uuid.New(), ch, done)
	return ch
}

func TestIngestLocationGeneratesID(t *testing.T) {
	p := newTestPipeline(t, 8)
	raw := decodeLocation(t, p, `{"device":"e235-4607","state":"arrived","station_id":101,"line_id":1,"coords":{"latitude":35.6,"longitude":139.7,"accuracy":8.5,"speed":12.0},"timestamp":1700000000000}`)

	loc, warning := p.IngestLocation(context.Background(), raw, SourceWebsocket)

	assert.Empty(t, warning)
	_, err := uuid.Parse(loc.ID)
	assert.NoError(t, err, "missing id is replaced with a generated UUID")
	assert.Equal(t, models.TypeLocationUpdate, loc.Type)
	assert.Equal(t, "e235-4607", loc.Device)
	require.NotNil(t, loc.StationID)
	assert.Equal(t, int64(101), *loc.StationID)
	assert.Equal(t, 12.0, loc.Coords.Speed)
	assert.Equal(t, int64(1700000000000), loc.Timestamp)
}

func TestIngestLocationHonorsClientID(t *testing.T) {
	p := newTestPipeline(t, 8)
	raw := decodeLocation(t, p, `{"id":"client-chosen-id","device":"d","state":"arrived","station_id":101,"line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":1}`)

	loc, _ := p.IngestLocation(context.Background(), raw, SourceWebsocket)
	assert.Equal(t, "client-chosen-id", loc.ID)
}

func TestIngestLocationClearsStationForContinuousStates(t *testing.T) {
	tests := []struct {
		state       string
		wantStation bool
	}{
		{"moving", false},
		{"approaching", false},
		{"arrived", true},
		{"passing", true},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			p := newTestPipeline(t, 8)
			body := fmt.Sprintf(`{"device":"d","state":"%s","station_id":101,"line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":1}`, tt.state)
			raw := decodeLocation(t, p, body)

			loc, _ := p.IngestLocation(context.Background(), raw, SourceWebsocket)
			if tt.wantStation {
				require.NotNil(t, loc.StationID)
				assert.Equal(t, int64(101), *loc.StationID)
			} else {
				assert.Nil(t, loc.StationID)
			}
		})
	}
}

func TestIngestLocationDefaultsSpeed(t *testing.T) {
	p := newTestPipeline(t, 8)
	raw := decodeLocation(t, p, `{"device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":1}`)

	loc, _ := p.IngestLocation(context.Background(), raw, SourceWebsocket)
	assert.Equal(t, 0.0, loc.Coords.Speed)
	assert.Nil(t, loc.Coords.Accuracy)
}

func TestIngestLocationAccuracyWarning(t *testing.T) {
	p := newTestPipeline(t, 8)

	raw := decodeLocation(t, p, `{"device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7,"accuracy":150.0},"timestamp":1}`)
	_, warning := p.IngestLocation(context.Background(), raw, SourceWebsocket)
	assert.Equal(t, "reported accuracy 150.0m exceeds threshold 100m", warning)

	// The threshold is strict: exactly 100m is fine.
	raw = decodeLocation(t, p, `{"device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7,"accuracy":100.0},"timestamp":2}`)
	_, warning = p.IngestLocation(context.Background(), raw, SourceWebsocket)
	assert.Empty(t, warning)

	raw = decodeLocation(t, p, `{"device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":3}`)
	_, warning = p.IngestLocation(context.Background(), raw, SourceWebsocket)
	assert.Empty(t, warning)
}

func TestIngestLocationBroadcasts(t *testing.T) {
	p := newTestPipeline(t, 8)
	ch := subscribeRaw(t, p)

	raw := decodeLocation(t, p, `{"device":"d","state":"arrived","station_id":101,"line_id":1,"coords":{"latitude":35.6,"longitude":139.7,"speed":3.5},"timestamp":1}`)
	loc, _ := p.IngestLocation(context.Background(), raw, SourceWebsocket)

	require.Len(t, ch, 1)
	var got models.OutgoingLocation
	require.NoError(t, json.Unmarshal([]byte(<-ch), &got))
	assert.Equal(t, loc.ID, got.ID)
	assert.Equal(t, models.StateArrived, got.State)
	assert.Equal(t, 3.5, got.Coords.Speed)

	assert.Len(t, p.Hub().Snapshot(), 1, "broadcast payloads are retained for replay")
}

func TestIngestLocationAnnotatesSegments(t *testing.T) {
	p := newTestPipeline(t, 8)

	first := decodeLocation(t, p, `{"device":"d","state":"arrived","station_id":101,"line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":100}`)
	loc, _ := p.IngestLocation(context.Background(), first, SourceWebsocket)
	assert.Nil(t, loc.SegmentID)

	second := decodeLocation(t, p, `{"device":"d","state":"arrived","station_id":102,"line_id":1,"coords":{"latitude":35.7,"longitude":139.8},"timestamp":200}`)
	loc, _ = p.IngestLocation(context.Background(), second, SourceWebsocket)
	require.NotNil(t, loc.SegmentID)
	assert.Equal(t, "1:101:102", *loc.SegmentID)
	assert.Equal(t, int64(101), *loc.FromStationID)
	assert.Equal(t, int64(102), *loc.ToStationID)
}

func TestIngestLocationPersists(t *testing.T) {
	p, mock, db := newTestPipelineWithDB(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO location_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	raw := decodeLocation(t, p, `{"device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":1}`)
	p.IngestLocation(context.Background(), raw, SourceREST)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistFailureDoesNotStopBroadcast(t *testing.T) {
	p, mock, db := newTestPipelineWithDB(t)
	defer db.Close()
	ch := subscribeRaw(t, p)

	mock.ExpectExec("INSERT INTO location_logs").WillReturnError(errors.New("db down"))

	raw := decodeLocation(t, p, `{"device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":1}`)
	loc, warning := p.IngestLocation(context.Background(), raw, SourceWebsocket)

	assert.Empty(t, warning)
	assert.NotNil(t, loc)
	assert.Len(t, ch, 1, "persistence failures never suppress the broadcast")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestLogNormalizesAndBroadcasts(t *testing.T) {
	p := newTestPipeline(t, 8)
	ch := subscribeRaw(t, p)

	raw := decodeLog(t, p, `{"device":"d","timestamp":1700000000000,"log":{"type":"app","level":"warn","message":"gps signal degraded"}}`)
	entry := p.IngestLog(context.Background(), raw, SourceWebsocket)

	_, err := uuid.Parse(entry.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.TypeLog, entry.Type)

	require.Len(t, ch, 1)
	var got models.OutgoingLog
	require.NoError(t, json.Unmarshal([]byte(<-ch), &got))
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, models.LogTypeApp, got.Log.Type)
	assert.Equal(t, models.LevelWarn, got.Log.Level)
	assert.Equal(t, "gps signal degraded", got.Log.Message)
}

func TestBroadcastSystemLog(t *testing.T) {
	p := newTestPipeline(t, 8)
	p.nowMS = func() int64 { return 42000 }
	ch := subscribeRaw(t, p)

	p.BroadcastSystemLog("subscriber registered: monitor-1")

	require.Len(t, ch, 1)
	var got models.OutgoingLog
	require.NoError(t, json.Unmarshal([]byte(<-ch), &got))
	assert.Equal(t, systemDevice, got.Device)
	assert.Equal(t, models.LogTypeSystem, got.Log.Type)
	assert.Equal(t, models.LevelInfo, got.Log.Level)
	assert.Equal(t, "subscriber registered: monitor-1", got.Log.Message)
	assert.Equal(t, int64(42000), got.Timestamp)
}
