package graphql

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrainLCD/THQ/internal/storage"
	"github.com/TrainLCD/THQ/pkg/logging"
)

func newTestRouter(t *testing.T, store Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	schema, err := NewSchema(NewRootResolver(store, logging.NewLogger(), nil))
	require.NoError(t, err)
	handler := NewHandler(schema, logging.NewLogger())

	router := gin.New()
	router.GET("/graphql", handler.HandlePlayground)
	router.POST("/graphql", handler.HandleQuery)
	return router
}

func TestHandleQuery(t *testing.T) {
	bucketStart := time.Date(2024, 11, 14, 8, 0, 0, 0, time.UTC)
	store := &stubStore{
		enabled: true,
		rows: []storage.LineAccuracyBucket{
			{
				BucketStart: bucketStart,
				BucketEnd:   bucketStart.Add(time.Hour),
				AvgAccuracy: 10.0,
				P90Accuracy: 25.0,
				SampleCount: 3,
			},
		},
	}
	router := newTestRouter(t, store)

	body := `{
		"query": "query ($lineId: ID!, $from: DateTime!, $to: DateTime!) { accuracyByLine(lineId: $lineId, from: $from, to: $to, bucketSize: HOUR) { lineId buckets { bucketStart avgAccuracy sampleCount } } }",
		"variables": {
			"lineId": "11302",
			"from": "2024-11-14T08:00:00Z",
			"to": "2024-11-14T12:00:00Z"
		}
	}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"lineId":"11302"`)
	assert.Contains(t, w.Body.String(), `"bucketStart":"2024-11-14T08:00:00Z"`)
	assert.NotContains(t, w.Body.String(), `"errors"`)
}

func TestHandleQueryResolverErrorStillReturns200(t *testing.T) {
	router := newTestRouter(t, &stubStore{enabled: false})

	body := `{
		"query": "query { accuracyByLine(lineId: \"1\", from: \"2024-11-14T00:00:00Z\", to: \"2024-11-15T00:00:00Z\", bucketSize: HOUR) { lineId } }"
	}`

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "GraphQL reports are unavailable")
}

func TestHandleQueryMalformedBody(t *testing.T) {
	router := newTestRouter(t, &stubStore{enabled: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid GraphQL request body")
}

func TestHandlePlayground(t *testing.T) {
	router := newTestRouter(t, &stubStore{enabled: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "graphiql")
}
