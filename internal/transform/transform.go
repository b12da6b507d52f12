// Package transform maps source records into store entries. The
// mapping is pure: the same record always produces a byte-identical
// entry, so re-ingesting a chunk is harmless.
package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/distributedci/dci-analytics/internal/dci"
	"github.com/distributedci/dci-analytics/internal/store"
)

// SchemaViolation is returned when a record cannot be mapped into the
// analytics schema. The record is never silently repaired or dropped;
// the chunk it belongs to is aborted and the violation surfaced.
type SchemaViolation struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("transform: record %s field %q: %s", e.RecordID, e.Field, e.Reason)
}

// Payload keys lifted into fixed entry columns. Everything else is
// preserved in the extra document.
var consumedFields = map[string]bool{
	"id":         true,
	"name":       true,
	"status":     true,
	"team_id":    true,
	"topic_id":   true,
	"tags":       true,
	"duration":   true,
	"created_at": true,
	"updated_at": true,
}

// Upstream sends these as strings in older payloads; coerce so the
// same field always carries the same type in the store.
var numericFields = map[string]bool{
	"duration": true,
	"size":     true,
	"capacity": true,
}

var booleanFields = map[string]bool{
	"interrupted": true,
	"final":       true,
	"claimed":     true,
}

// Transform maps one record into an entry for the given feed.
func Transform(feed string, rec *dci.Record) (*store.Entry, error) {
	if rec.ID == "" {
		return nil, &SchemaViolation{Field: "id", Reason: "missing"}
	}
	if rec.UpdatedAt.IsZero() {
		return nil, &SchemaViolation{RecordID: rec.ID, Field: "updated_at", Reason: "missing"}
	}

	status, ok := rec.Payload["status"].(string)
	if !ok || status == "" {
		return nil, &SchemaViolation{RecordID: rec.ID, Field: "status", Reason: "missing or not a string"}
	}

	createdRaw, ok := rec.Payload["created_at"].(string)
	if !ok || createdRaw == "" {
		return nil, &SchemaViolation{RecordID: rec.ID, Field: "created_at", Reason: "missing or not a string"}
	}
	createdAt, err := dci.ParseTime(createdRaw)
	if err != nil {
		return nil, &SchemaViolation{RecordID: rec.ID, Field: "created_at", Reason: err.Error()}
	}

	entry := &store.Entry{
		ID:        rec.ID,
		Feed:      feed,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: rec.UpdatedAt,
	}

	entry.Name, _ = rec.Payload["name"].(string)
	entry.Team, _ = rec.Payload["team_id"].(string)
	entry.Topic, _ = rec.Payload["topic_id"].(string)

	if raw, present := rec.Payload["duration"]; present && raw != nil {
		duration, ok := coerceNumber(raw)
		if !ok {
			return nil, &SchemaViolation{RecordID: rec.ID, Field: "duration", Reason: "not numeric"}
		}
		entry.Duration = duration
	}

	tags, err := marshalTags(rec)
	if err != nil {
		return nil, err
	}
	entry.Tags = tags

	extra, err := marshalExtra(rec)
	if err != nil {
		return nil, err
	}
	entry.Extra = extra

	return entry, nil
}

// marshalTags renders the record's tag list as a JSON array string.
func marshalTags(rec *dci.Record) (string, error) {
	raw, present := rec.Payload["tags"]
	if !present || raw == nil {
		return "[]", nil
	}

	list, ok := raw.([]any)
	if !ok {
		return "", &SchemaViolation{RecordID: rec.ID, Field: "tags", Reason: "not a list"}
	}

	tags := make([]string, 0, len(list))
	for _, item := range list {
		tag, ok := item.(string)
		if !ok {
			return "", &SchemaViolation{RecordID: rec.ID, Field: "tags", Reason: "non-string tag"}
		}
		tags = append(tags, tag)
	}

	out, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("transform: record %s: marshaling tags: %w", rec.ID, err)
	}
	return string(out), nil
}

// marshalExtra collects payload fields outside the fixed schema into
// one JSON document. Map keys marshal in sorted order, so the result
// is deterministic for a given payload.
func marshalExtra(rec *dci.Record) (string, error) {
	extra := make(map[string]any)
	for key, value := range rec.Payload {
		if consumedFields[key] {
			continue
		}
		extra[key] = normalizeValue(key, value)
	}

	out, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("transform: record %s: marshaling extra fields: %w", rec.ID, err)
	}
	return string(out), nil
}

// normalizeValue coerces known numeric and boolean fields at any
// nesting depth so a field keeps one type across the whole store.
// Values that cannot be coerced pass through unchanged.
func normalizeValue(key string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for k, item := range v {
			normalized[k] = normalizeValue(k, item)
		}
		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, item := range v {
			normalized[i] = normalizeValue(key, item)
		}
		return normalized
	default:
		if numericFields[key] {
			if n, ok := coerceNumber(value); ok {
				return n
			}
		}
		if booleanFields[key] {
			if b, ok := coerceBool(value); ok {
				return b
			}
		}
		return value
	}
}

// coerceNumber converts numeric strings and JSON numbers to float64.
func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// coerceBool converts the boolean spellings upstream has been seen to
// emit ("true", "yes", "1", ...) to a real boolean.
func coerceBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "on":
			return true, true
		case "false", "no", "0", "off":
			return false, true
		}
		return false, false
	case float64:
		return v != 0, true
	default:
		return false, false
	}
}
