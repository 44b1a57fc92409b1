// Package topology loads the static line topology used for segment
// inference. A topology file is either a JSON object mapping line ids to
// ordered station sequences (adjacency between consecutive entries) or a
// CSV of undirected station edges. The loaded structure is immutable and
// shared by reference across the server.
package topology

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/TrainLCD/THQ/pkg/logging"
)

type lineGraph struct {
	stations  []int64
	neighbors map[int64][]int64
}

// Lines is the loaded per-line station graph.
type Lines struct {
	lines map[int64]*lineGraph
}

// Empty returns a topology with no lines. Segment annotation becomes a
// passthrough when the server runs without a topology file.
func Empty() *Lines {
	return &Lines{lines: map[int64]*lineGraph{}}
}

// Load reads a topology file, dispatching on the file extension. Unknown
// extensions try JSON first and fall back to CSV.
func Load(path string, logger logging.Logger) (*Lines, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data, logger)
	case ".csv":
		return parseCSV(data, logger)
	default:
		lines, jsonErr := parseJSON(data, logger)
		if jsonErr == nil {
			return lines, nil
		}
		lines, csvErr := parseCSV(data, logger)
		if csvErr == nil {
			return lines, nil
		}
		return nil, fmt.Errorf("failed to parse topology as JSON (%v) or CSV (%v)", jsonErr, csvErr)
	}
}

// parseJSON reads {"<line_id>": [station ids...]} where each array is an
// ordered path; consecutive stations are adjacent.
func parseJSON(data []byte, logger logging.Logger) (*Lines, error) {
	var raw map[string][]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid topology JSON: %w", err)
	}

	builder := newBuilder()
	for key, stations := range raw {
		lineID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid line id %q in topology JSON", key)
		}
		for i, station := range stations {
			builder.addStation(lineID, station)
			if i > 0 {
				builder.addEdge(lineID, stations[i-1], station)
			}
		}
	}
	return builder.build(logger), nil
}

// parseCSV reads rows of `line_cd,station_cd1,station_cd2` undirected edges.
func parseCSV(data []byte, logger logging.Logger) (*Lines, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("invalid topology CSV: %w", err)
	}
	if len(header) < 3 ||
		!strings.EqualFold(strings.TrimSpace(header[0]), "line_cd") ||
		!strings.EqualFold(strings.TrimSpace(header[1]), "station_cd1") ||
		!strings.EqualFold(strings.TrimSpace(header[2]), "station_cd2") {
		return nil, fmt.Errorf("topology CSV must start with header line_cd,station_cd1,station_cd2")
	}

	builder := newBuilder()
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid topology CSV row: %w", err)
		}
		if len(record) < 3 {
			return nil, fmt.Errorf("topology CSV row has %d columns, want 3", len(record))
		}
		lineID, err := parseID(record[0])
		if err != nil {
			return nil, fmt.Errorf("invalid line_cd %q: %w", record[0], err)
		}
		from, err := parseID(record[1])
		if err != nil {
			return nil, fmt.Errorf("invalid station_cd1 %q: %w", record[1], err)
		}
		to, err := parseID(record[2])
		if err != nil {
			return nil, fmt.Errorf("invalid station_cd2 %q: %w", record[2], err)
		}
		builder.addStation(lineID, from)
		builder.addStation(lineID, to)
		builder.addEdge(lineID, from, to)
	}
	return builder.build(logger), nil
}

func parseID(field string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(field), 10, 64)
}

// HasLine reports whether a line is known to the topology.
func (l *Lines) HasLine(lineID int64) bool {
	_, ok := l.lines[lineID]
	return ok
}

// LineCount returns the number of loaded lines.
func (l *Lines) LineCount() int {
	return len(l.lines)
}

// Stations returns the sorted, deduplicated station ids of a line.
// The returned slice is a copy.
func (l *Lines) Stations(lineID int64) []int64 {
	graph, ok := l.lines[lineID]
	if !ok {
		return nil
	}
	out := make([]int64, len(graph.stations))
	copy(out, graph.stations)
	return out
}

// Neighbors returns the sorted, deduplicated neighbors of a station on a
// line. The returned slice is a copy.
func (l *Lines) Neighbors(lineID, stationID int64) []int64 {
	graph, ok := l.lines[lineID]
	if !ok {
		return nil
	}
	neighbors, ok := graph.neighbors[stationID]
	if !ok {
		return nil
	}
	out := make([]int64, len(neighbors))
	copy(out, neighbors)
	return out
}

// HasStation reports whether a station belongs to a line.
func (l *Lines) HasStation(lineID, stationID int64) bool {
	graph, ok := l.lines[lineID]
	if !ok {
		return false
	}
	_, ok = graph.neighbors[stationID]
	return ok
}

// Adjacent reports whether two stations share an edge on a line.
func (l *Lines) Adjacent(lineID, a, b int64) bool {
	graph, ok := l.lines[lineID]
	if !ok {
		return false
	}
	for _, n := range graph.neighbors[a] {
		if n == b {
			return true
		}
	}
	return false
}

type builder struct {
	stations map[int64]map[int64]struct{}
	edges    map[int64]map[int64]map[int64]struct{}
}

func newBuilder() *builder {
	return &builder{
		stations: map[int64]map[int64]struct{}{},
		edges:    map[int64]map[int64]map[int64]struct{}{},
	}
}

func (b *builder) addStation(lineID, stationID int64) {
	set, ok := b.stations[lineID]
	if !ok {
		set = map[int64]struct{}{}
		b.stations[lineID] = set
	}
	set[stationID] = struct{}{}
}

func (b *builder) addEdge(lineID, from, to int64) {
	if from == to {
		return
	}
	line, ok := b.edges[lineID]
	if !ok {
		line = map[int64]map[int64]struct{}{}
		b.edges[lineID] = line
	}
	for _, pair := range [][2]int64{{from, to}, {to, from}} {
		set, ok := line[pair[0]]
		if !ok {
			set = map[int64]struct{}{}
			line[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

func (b *builder) build(logger logging.Logger) *Lines {
	lines := make(map[int64]*lineGraph, len(b.stations))
	for lineID, stationSet := range b.stations {
		graph := &lineGraph{
			stations:  sortedKeys(stationSet),
			neighbors: make(map[int64][]int64, len(stationSet)),
		}
		for station := range stationSet {
			graph.neighbors[station] = sortedKeys(b.edges[lineID][station])
		}
		lines[lineID] = graph

		if logger != nil {
			if components := countComponents(graph); components > 1 {
				logger.WithFields(logging.Fields{
					"line_id":    lineID,
					"components": components,
				}).Warn("Line topology is disconnected")
			}
		}
	}
	return &Lines{lines: lines}
}

func sortedKeys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// countComponents walks the line graph to detect splits. Disconnected
// components are permitted; the estimator simply never infers a segment
// across them.
func countComponents(graph *lineGraph) int {
	visited := make(map[int64]bool, len(graph.stations))
	components := 0
	for _, start := range graph.stations {
		if visited[start] {
			continue
		}
		components++
		queue := []int64{start}
		visited[start] = true
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, next := range graph.neighbors[current] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return components
}
