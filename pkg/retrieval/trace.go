package retrieval

import (
	"sort"
	"sync"
)

type TraceEventKind string

const (
	TraceEventConsideredChunkIDs     TraceEventKind = "considered_chunk_ids"
	TraceEventUsedChunkIDs           TraceEventKind = "used_chunk_ids"
	TraceEventQueriedEntityIDs       TraceEventKind = "queried_entity_ids"
	TraceEventQueriedRelationshipIDs TraceEventKind = "queried_relationship_ids"
	TraceEventSourceTiming           TraceEventKind = "source_timing"
)

// TraceEvent is an extensible event envelope for retrieval tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	ChunkIDs        []string
	EntityIDs       []string
	RelationshipIDs []string

	Source     string
	DurationMs int64
	Error      string
}

// Tracer is a sink for retrieval tracing events.
//
// Implementers can forward events to logs, telemetry, or custom
// post-processing pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func RecordConsideredChunkIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventConsideredChunkIDs, ChunkIDs: ids})
}

func RecordUsedChunkIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventUsedChunkIDs, ChunkIDs: ids})
}

func RecordQueriedEntityIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventQueriedEntityIDs, EntityIDs: ids})
}

func RecordQueriedRelationshipIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventQueriedRelationshipIDs, RelationshipIDs: ids})
}

func RecordSourceTiming(t Tracer, source string, durationMs int64, errMsg string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventSourceTiming, Source: source, DurationMs: durationMs, Error: errMsg})
}

// SourceTiming is one source's recorded runtime within a request.
type SourceTiming struct {
	Source     string `json:"source"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RetrievalTrace collects what data was considered and used during one
// retrieval run. It backs the "why was this retrieved" explanation exposed
// by the serving layer.
//
// RetrievalTrace is safe for concurrent use.
type RetrievalTrace struct {
	mu sync.Mutex

	consideredChunkIDs     map[string]struct{}
	usedChunkIDs           map[string]struct{}
	queriedEntityIDs       map[string]struct{}
	queriedRelationshipIDs map[string]struct{}
	sourceTimings          []SourceTiming
}

type TraceSnapshot struct {
	ConsideredChunkIDs     []string       `json:"considered_chunk_ids"`
	UsedChunkIDs           []string       `json:"used_chunk_ids"`
	QueriedEntityIDs       []string       `json:"queried_entity_ids"`
	QueriedRelationshipIDs []string       `json:"queried_relationship_ids"`
	SourceTimings          []SourceTiming `json:"source_timings"`
}

func NewRetrievalTrace() *RetrievalTrace {
	return &RetrievalTrace{
		consideredChunkIDs:     make(map[string]struct{}),
		usedChunkIDs:           make(map[string]struct{}),
		queriedEntityIDs:       make(map[string]struct{}),
		queriedRelationshipIDs: make(map[string]struct{}),
	}
}

func (t *RetrievalTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventConsideredChunkIDs:
		for _, id := range event.ChunkIDs {
			if id == "" {
				continue
			}
			t.consideredChunkIDs[id] = struct{}{}
		}
	case TraceEventUsedChunkIDs:
		for _, id := range event.ChunkIDs {
			if id == "" {
				continue
			}
			t.usedChunkIDs[id] = struct{}{}
		}
	case TraceEventQueriedEntityIDs:
		for _, id := range event.EntityIDs {
			if id == "" {
				continue
			}
			t.queriedEntityIDs[id] = struct{}{}
		}
	case TraceEventQueriedRelationshipIDs:
		for _, id := range event.RelationshipIDs {
			if id == "" {
				continue
			}
			t.queriedRelationshipIDs[id] = struct{}{}
		}
	case TraceEventSourceTiming:
		if event.Source == "" {
			return
		}
		t.sourceTimings = append(t.sourceTimings, SourceTiming{
			Source:     event.Source,
			DurationMs: event.DurationMs,
			Error:      event.Error,
		})
	default:
		return
	}
}

func (t *RetrievalTrace) Snapshot() TraceSnapshot {
	if t == nil {
		return TraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := TraceSnapshot{
		ConsideredChunkIDs:     make([]string, 0, len(t.consideredChunkIDs)),
		UsedChunkIDs:           make([]string, 0, len(t.usedChunkIDs)),
		QueriedEntityIDs:       make([]string, 0, len(t.queriedEntityIDs)),
		QueriedRelationshipIDs: make([]string, 0, len(t.queriedRelationshipIDs)),
		SourceTimings:          make([]SourceTiming, len(t.sourceTimings)),
	}

	for id := range t.consideredChunkIDs {
		s.ConsideredChunkIDs = append(s.ConsideredChunkIDs, id)
	}
	for id := range t.usedChunkIDs {
		s.UsedChunkIDs = append(s.UsedChunkIDs, id)
	}
	for id := range t.queriedEntityIDs {
		s.QueriedEntityIDs = append(s.QueriedEntityIDs, id)
	}
	for id := range t.queriedRelationshipIDs {
		s.QueriedRelationshipIDs = append(s.QueriedRelationshipIDs, id)
	}
	copy(s.SourceTimings, t.sourceTimings)

	sort.Strings(s.ConsideredChunkIDs)
	sort.Strings(s.UsedChunkIDs)
	sort.Strings(s.QueriedEntityIDs)
	sort.Strings(s.QueriedRelationshipIDs)
	sort.SliceStable(s.SourceTimings, func(i, j int) bool {
		return s.SourceTimings[i].Source < s.SourceTimings[j].Source
	})

	return s
}
