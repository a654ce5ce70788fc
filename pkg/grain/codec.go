package grain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sep is the stream/sequence/event-id separator in an event row key. It is
// the ASCII unit separator: it cannot appear in a stream name built from
// printable identifiers, and it sorts below every printable character, so
// a stream-prefix scan never accidentally spills past its own boundary.
const sep = '\x1f'

// sequenceWidth is the zero-padded width of the sequence component of an
// event row key: 19 digits covers every int64 value, and zero-padded
// decimal lexicographic order equals numeric order in that range.
const sequenceWidth = 19

// projectionRowKey is the sentinel row key for the projection row. It
// starts with a NUL byte, which sorts below sep and below every printable
// stream name, so a single "row_key >= firstEventRowKey" predicate (or its
// complement) cleanly separates the projection row from all event rows.
const projectionRowKey = "\x00projection"

// attribute names, persisted and format-stable (§6).
const (
	attrEventType     = "event_type"
	attrData          = "data"
	attrEventID       = "event_id"
	attrSequence      = "sequence"
	attrReactorStatus = "reactor_status"

	attrNextSequence = "next_sequence"
	attrEventCount   = "event_count"
)

// eventRowKey builds the row key for an event in stream at sequence with
// the given event id, per §3's layout.
func eventRowKey(stream string, sequence int64, eventID string) string {
	var b strings.Builder
	b.WriteString(stream)
	b.WriteByte(sep)
	b.WriteString(fmt.Sprintf("%0*d", sequenceWidth, sequence))
	b.WriteByte(sep)
	b.WriteString(eventID)
	return b.String()
}

// streamPrefixRange returns the half-open row-key range that scopes a scan
// to one stream, or to all event rows (excluding the projection sentinel)
// when stream is nil.
func streamPrefixRange(stream *string) RowKeyRange {
	if stream == nil {
		// Everything strictly after the projection sentinel, up through the
		// highest possible row key, covers every stream.
		return RowKeyRange{Start: firstEventRowKey, End: ""}
	}
	start := *stream + string(sep)
	end := *stream + string(sep+1)
	return RowKeyRange{Start: start, End: end}
}

// firstEventRowKey is the smallest row key any event row can have: the
// projection sentinel begins with NUL, so anything starting with the next
// byte value or above cannot be the sentinel.
const firstEventRowKey = "\x01"

// encodeEvent produces the row for an event persisted under stream.
func encodeEvent(stream string, e Event) Row {
	statusJSON, err := json.Marshal(e.ReactorStatus)
	if err != nil {
		statusJSON = []byte("[]")
	}
	return Row{
		RowKey:       eventRowKey(stream, e.Sequence, e.ID),
		VersionToken: e.VersionToken,
		Timestamp:    e.Timestamp,
		Attrs: map[string]any{
			attrEventType:     e.Type,
			attrData:          e.Data,
			attrEventID:       e.ID,
			attrSequence:      e.Sequence,
			attrReactorStatus: statusJSON,
		},
	}
}

// decodeEvent decodes a row into an Event. ok is false when the row is
// missing its required data attribute — per §4.1 that is a skippable
// condition, not an error. Optional fields fall back to defaults.
func decodeEvent(row Row) (Event, bool) {
	data, ok := attrBytes(row.Attrs, attrData)
	if !ok {
		return Event{}, false
	}

	e := Event{
		ID:           attrString(row.Attrs, attrEventID),
		Type:         attrString(row.Attrs, attrEventType),
		Data:         data,
		VersionToken: row.VersionToken,
		Timestamp:    row.Timestamp,
	}
	if seq, ok := attrInt64(row.Attrs, attrSequence); ok {
		e.Sequence = seq
	}
	e.ReactorStatus = decodeReactorStatus(row.Attrs[attrReactorStatus])
	return e, true
}

// decodeReactorStatus tolerates arbitrary leading/trailing whitespace and a
// missing/malformed value, per invariant 6: it never fails a read, it just
// degrades to an empty slice (logging only when the value is malformed).
func decodeReactorStatus(v any) []ReactorState {
	raw, ok := attrRawBytes(v)
	if !ok {
		return nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	var states []ReactorState
	if err := json.Unmarshal(raw, &states); err != nil {
		logger.Printf("malformed reactor_status, decoding as empty: %v", err)
		return nil
	}
	return states
}

// encodeProjection produces the projection row for meta.
func encodeProjection(data []byte, meta ProjectionMeta) Row {
	return Row{
		RowKey:       projectionRowKey,
		VersionToken: meta.VersionToken,
		Timestamp:    meta.Timestamp,
		Attrs: map[string]any{
			attrData:         data,
			attrNextSequence: meta.NextSequence,
			attrEventCount:   meta.EventCount,
		},
	}
}

// decodeProjection decodes the projection row. ok is false when the data
// attribute is missing or malformed — callers treat that as "no
// projection", i.e. the type default (§4.2).
func decodeProjection(row Row) (ProjectionMeta, bool) {
	data, ok := attrBytes(row.Attrs, attrData)
	if !ok {
		return ProjectionMeta{}, false
	}
	meta := ProjectionMeta{
		Data:         data,
		VersionToken: row.VersionToken,
		Timestamp:    row.Timestamp,
	}
	if n, ok := attrInt64(row.Attrs, attrNextSequence); ok {
		meta.NextSequence = n
	}
	if n, ok := attrInt64(row.Attrs, attrEventCount); ok {
		meta.EventCount = n
	}
	return meta, true
}

func attrString(attrs map[string]any, key string) string {
	if v, ok := attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func attrBytes(attrs map[string]any, key string) ([]byte, bool) {
	v, ok := attrs[key]
	if !ok || v == nil {
		return nil, false
	}
	return attrRawBytes(v)
}

func attrRawBytes(v any) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		if t == nil {
			return nil, false
		}
		return t, true
	case string:
		return []byte(t), true
	default:
		return nil, false
	}
}

func attrInt64(attrs map[string]any, key string) (int64, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// nowFunc is overridable in tests; production callers never need to touch it.
var nowFunc = time.Now
