package graphql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	graphqlgo "github.com/graph-gophers/graphql-go"

	"github.com/TrainLCD/THQ/internal/metrics"
	"github.com/TrainLCD/THQ/internal/storage"
	"github.com/TrainLCD/THQ/pkg/logging"
)

// hardBucketLimit caps both the per-query row limit and the estimated
// bucket count so a single report cannot scan an unbounded range.
const hardBucketLimit = 2000

// Store is the slice of the storage layer the resolver needs.
type Store interface {
	Enabled() bool
	FetchLineAccuracy(ctx context.Context, lineID int64, from, to time.Time, truncUnit string, bucketSeconds int64, limit int) ([]storage.LineAccuracyBucket, error)
}

// RootResolver answers the Query type.
type RootResolver struct {
	store   Store
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewRootResolver(store Store, logger logging.Logger, m *metrics.Metrics) *RootResolver {
	return &RootResolver{
		store:   store,
		logger:  logger,
		metrics: m,
	}
}

type accuracyByLineArgs struct {
	LineID     graphqlgo.ID
	From       DateTime
	To         DateTime
	BucketSize string
	Limit      int32
}

// AccuracyByLine aggregates stored location accuracy for one line into
// fixed time buckets.
func (r *RootResolver) AccuracyByLine(ctx context.Context, args accuracyByLineArgs) (*LineAccuracyReportResolver, error) {
	started := time.Now()
	report, err := r.buildLineReport(ctx, args)
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.observeQuery("accuracy_by_line", status, time.Since(started))
	return report, err
}

func (r *RootResolver) buildLineReport(ctx context.Context, args accuracyByLineArgs) (*LineAccuracyReportResolver, error) {
	started := time.Now()

	if !r.store.Enabled() {
		return nil, errors.New("database-backed storage is disabled; GraphQL reports are unavailable")
	}

	from := args.From.Time
	to := args.To.Time
	if !from.Before(to) {
		return nil, errors.New("from must be earlier than to")
	}

	truncUnit, bucketSeconds, maxSpan, err := bucketParams(args.BucketSize)
	if err != nil {
		return nil, err
	}
	if to.Sub(from) > maxSpan {
		return nil, fmt.Errorf("requested span exceeds maximum for bucket size %s: max %d days",
			args.BucketSize, int64(maxSpan.Hours()/24))
	}

	limit := int(args.Limit)
	if limit < 1 {
		limit = 1
	}
	if limit > hardBucketLimit {
		limit = hardBucketLimit
	}

	if estimated := estimateBucketCount(from, to, bucketSeconds); estimated > hardBucketLimit {
		return nil, fmt.Errorf("bucket count %d would exceed hard limit %d - narrow the range or use a coarser bucket",
			estimated, hardBucketLimit)
	}

	lineID, err := strconv.ParseInt(string(args.LineID), 10, 64)
	if err != nil {
		return nil, errors.New("lineId must be a numeric ID")
	}

	rows, err := r.store.FetchLineAccuracy(ctx, lineID, from, to, truncUnit, bucketSeconds, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accuracy report: %w", err)
	}

	buckets := make([]*LineAccuracyBucketResolver, 0, len(rows))
	for _, row := range rows {
		buckets = append(buckets, &LineAccuracyBucketResolver{row: row})
	}

	if r.logger != nil {
		r.logger.WithFields(logging.Fields{
			"line_id":      lineID,
			"bucket_size":  args.BucketSize,
			"bucket_count": len(buckets),
			"limit":        limit,
			"from":         from.Format(time.RFC3339),
			"to":           to.Format(time.RFC3339),
			"duration_ms":  time.Since(started).Milliseconds(),
		}).Info("accuracyByLine resolver completed")
	}

	return &LineAccuracyReportResolver{lineID: args.LineID, buckets: buckets}, nil
}

// bucketParams maps a bucket size to its date_trunc unit, its width in
// seconds, and the widest range a query may cover at that granularity.
func bucketParams(size string) (string, int64, time.Duration, error) {
	switch size {
	case "MINUTE":
		return "minute", 60, 7 * 24 * time.Hour, nil
	case "HOUR":
		return "hour", 3600, 90 * 24 * time.Hour, nil
	case "DAY":
		return "day", 86400, 365 * 24 * time.Hour, nil
	default:
		return "", 0, 0, fmt.Errorf("unsupported bucket size %q", size)
	}
}

// estimateBucketCount is the ceiling of the span divided by the bucket
// width, before any rows are fetched.
func estimateBucketCount(from, to time.Time, bucketSeconds int64) int64 {
	totalSeconds := int64(to.Sub(from) / time.Second)
	if totalSeconds <= 0 {
		return 0
	}
	return (totalSeconds + bucketSeconds - 1) / bucketSeconds
}

func (r *RootResolver) observeQuery(query, status string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	if r.metrics.GraphQLQueries != nil {
		r.metrics.GraphQLQueries.WithLabelValues(query, status).Inc()
	}
	if r.metrics.GraphQLDuration != nil {
		r.metrics.GraphQLDuration.WithLabelValues(query).Observe(elapsed.Seconds())
	}
}

// LineAccuracyReportResolver resolves the LineAccuracyReport type.
type LineAccuracyReportResolver struct {
	lineID  graphqlgo.ID
	buckets []*LineAccuracyBucketResolver
}

func (r *LineAccuracyReportResolver) LineID() graphqlgo.ID {
	return r.lineID
}

func (r *LineAccuracyReportResolver) Buckets() []*LineAccuracyBucketResolver {
	return r.buckets
}

// LineAccuracyBucketResolver resolves one aggregated time bucket.
type LineAccuracyBucketResolver struct {
	row storage.LineAccuracyBucket
}

func (r *LineAccuracyBucketResolver) BucketStart() DateTime {
	return DateTime{Time: r.row.BucketStart}
}

func (r *LineAccuracyBucketResolver) BucketEnd() DateTime {
	return DateTime{Time: r.row.BucketEnd}
}

func (r *LineAccuracyBucketResolver) AvgAccuracy() float64 {
	return r.row.AvgAccuracy
}

func (r *LineAccuracyBucketResolver) P90Accuracy() float64 {
	return r.row.P90Accuracy
}

func (r *LineAccuracyBucketResolver) SampleCount() int32 {
	return int32(r.row.SampleCount)
}

func (r *LineAccuracyBucketResolver) AvgSpeed() float64 {
	return r.row.AvgSpeed
}

func (r *LineAccuracyBucketResolver) MaxSpeed() float64 {
	return r.row.MaxSpeed
}
