// Package graphql serves the reporting API: a single query aggregating
// stored location accuracy per line and time bucket.
package graphql

import (
	graphqlgo "github.com/graph-gophers/graphql-go"
)

// Schema is the SDL for the reporting API.
const Schema = `
	schema {
		query: Query
	}

	type Query {
		# Aggregated accuracy metrics per line and time bucket.
		accuracyByLine(lineId: ID!, from: DateTime!, to: DateTime!, bucketSize: TimeBucketSize!, limit: Int! = 500): LineAccuracyReport!
	}

	scalar DateTime

	enum TimeBucketSize {
		MINUTE
		HOUR
		DAY
	}

	type LineAccuracyBucket {
		bucketStart: DateTime!
		bucketEnd: DateTime!
		avgAccuracy: Float!
		p90Accuracy: Float!
		sampleCount: Int!
		avgSpeed: Float!
		maxSpeed: Float!
	}

	type LineAccuracyReport {
		lineId: ID!
		buckets: [LineAccuracyBucket!]!
	}
`

// NewSchema parses the SDL against the resolver.
func NewSchema(resolver *RootResolver) (*graphqlgo.Schema, error) {
	return graphqlgo.ParseSchema(Schema, resolver)
}
