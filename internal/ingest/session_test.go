package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrainLCD/THQ/pkg/models"
)

func newTestSession(t *testing.T, p *Pipeline) (*Session, chan string) {
	t.Helper()
	send := make(chan string, 32)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	return p.NewSession(send, done), send
}

func drain(ch chan string) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func decodeError(t *testing.T, payload string) models.OutgoingError {
	t.Helper()
	var out models.OutgoingError
	require.NoError(t, json.Unmarshal([]byte(payload), &out))
	require.Equal(t, models.TypeError, out.Type)
	return out
}

func TestSubscribeReplaysHistoryThenAck(t *testing.T) {
	p := newTestPipeline(t, 8)
	raw := decodeLocation(t, p, `{"device":"d","state":"arrived","station_id":101,"line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":100}`)
	p.IngestLocation(context.Background(), raw, SourceWebsocket)

	sess, send := newTestSession(t, p)
	sess.HandleText(context.Background(), []byte(`{"type":"subscribe","device":"monitor-1"}`))

	msgs := drain(send)
	require.Len(t, msgs, 2)

	var replayed models.OutgoingLocation
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &replayed))
	assert.Equal(t, models.TypeLocationUpdate, replayed.Type)

	var ack models.OutgoingLog
	require.NoError(t, json.Unmarshal([]byte(msgs[1]), &ack))
	assert.Equal(t, "thq-server", ack.Device)
	assert.Equal(t, models.LogTypeSystem, ack.Log.Type)
	assert.Equal(t, models.LevelInfo, ack.Log.Level)
	assert.Equal(t, "subscriber registered: monitor-1", ack.Log.Message)
}

func TestSubscribeWithoutDeviceUsesPlaceholder(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)

	sess.HandleText(context.Background(), []byte(`{"type":"subscribe"}`))

	msgs := drain(send)
	require.Len(t, msgs, 1)
	var ack models.OutgoingLog
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &ack))
	assert.Equal(t, "subscriber registered: unknown-client", ack.Log.Message)
}

func TestDuplicateSubscribeIgnored(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)

	sess.HandleText(context.Background(), []byte(`{"type":"subscribe","device":"m"}`))
	first := drain(send)
	require.Len(t, first, 1)

	sess.HandleText(context.Background(), []byte(`{"type":"subscribe","device":"m"}`))
	assert.Empty(t, drain(send), "repeat subscribes produce no replay and no ack")

	subscribers, _, _ := p.Hub().Stats()
	assert.Equal(t, 1, subscribers)
}

func TestSubscriberReceivesLiveBroadcasts(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)
	sess.HandleText(context.Background(), []byte(`{"type":"subscribe"}`))
	drain(send)

	sess.HandleText(context.Background(), []byte(`{"type":"location_update","device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7},"timestamp":1}`))

	msgs := drain(send)
	require.Len(t, msgs, 1)
	var got models.OutgoingLocation
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &got))
	assert.Equal(t, models.StateMoving, got.State)
	assert.Nil(t, got.StationID)
}

func TestMalformedJSONGetsParseError(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)

	sess.HandleText(context.Background(), []byte(`{not json`))

	msgs := drain(send)
	require.Len(t, msgs, 1)
	out := decodeError(t, msgs[0])
	assert.Equal(t, models.ErrJSONParse, out.Error.Type)
	assert.Empty(t, p.Hub().Snapshot(), "rejected frames are never broadcast")
}

func TestMissingRequiredFieldGetsParseError(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)

	// Structurally broken payload: no timestamp.
	sess.HandleText(context.Background(), []byte(`{"type":"location_update","device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7}}`))

	msgs := drain(send)
	require.Len(t, msgs, 1)
	out := decodeError(t, msgs[0])
	assert.Equal(t, models.ErrJSONParse, out.Error.Type)
}

func TestOutOfRangeCoordsGetInvalidCoords(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)

	sess.HandleText(context.Background(), []byte(`{"type":"location_update","device":"d","state":"moving","line_id":1,"coords":{"latitude":95.0,"longitude":139.7},"timestamp":1}`))

	msgs := drain(send)
	require.Len(t, msgs, 1)
	out := decodeError(t, msgs[0])
	assert.Equal(t, models.ErrInvalidCoords, out.Error.Type)
	assert.Contains(t, out.Error.Reason, "out of range")
	assert.Empty(t, p.Hub().Snapshot())
}

func TestUnknownEventType(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)

	sess.HandleText(context.Background(), []byte(`{"type":"telemetry"}`))

	msgs := drain(send)
	require.Len(t, msgs, 1)
	out := decodeError(t, msgs[0])
	assert.Equal(t, models.ErrUnknown, out.Error.Type)
	assert.Equal(t, "unknown event type: telemetry", out.Error.Reason)
}

func TestBinaryFrameRejected(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)

	sess.HandleBinary()

	msgs := drain(send)
	require.Len(t, msgs, 1)
	out := decodeError(t, msgs[0])
	assert.Equal(t, models.ErrWebsocketMessage, out.Error.Type)
	assert.Equal(t, "binary frames are not supported", out.Error.Reason)
}

func TestAccuracyWarningIsUnicast(t *testing.T) {
	p := newTestPipeline(t, 8)

	monitor, monitorSend := newTestSession(t, p)
	monitor.HandleText(context.Background(), []byte(`{"type":"subscribe","device":"monitor"}`))
	drain(monitorSend)

	sender, senderSend := newTestSession(t, p)
	sender.HandleText(context.Background(), []byte(`{"type":"location_update","device":"d","state":"moving","line_id":1,"coords":{"latitude":35.6,"longitude":139.7,"accuracy":150.0},"timestamp":1}`))

	// The sender alone gets the warning, after the event was dispatched.
	senderMsgs := drain(senderSend)
	require.Len(t, senderMsgs, 1)
	out := decodeError(t, senderMsgs[0])
	assert.Equal(t, models.ErrAccuracyLow, out.Error.Type)
	assert.Equal(t, "reported accuracy 150.0m exceeds threshold 100m", out.Error.Reason)

	// Subscribers see the location update and no error frame.
	monitorMsgs := drain(monitorSend)
	require.Len(t, monitorMsgs, 1)
	var loc models.OutgoingLocation
	require.NoError(t, json.Unmarshal([]byte(monitorMsgs[0]), &loc))
	assert.Equal(t, models.TypeLocationUpdate, loc.Type)
}

func TestCloseRemovesSubscriber(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, send := newTestSession(t, p)
	sess.HandleText(context.Background(), []byte(`{"type":"subscribe"}`))
	drain(send)

	subscribers, _, _ := p.Hub().Stats()
	require.Equal(t, 1, subscribers)

	sess.Close()
	sess.Close() // idempotent

	subscribers, _, _ = p.Hub().Stats()
	assert.Equal(t, 0, subscribers)
}

func TestCloseWithoutSubscribeIsSafe(t *testing.T) {
	p := newTestPipeline(t, 8)
	sess, _ := newTestSession(t, p)
	sess.Close()

	subscribers, _, _ := p.Hub().Stats()
	assert.Equal(t, 0, subscribers)
}
