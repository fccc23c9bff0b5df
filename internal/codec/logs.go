package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gosuda/sessionkv/internal/domain"
)

// EncodeHistory renders a history log. A nil log encodes as an empty array.
func EncodeHistory(entries []domain.HistoryEntry) ([]byte, error) {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		obj := withExtra(e.Extra, 2)
		obj["role"] = e.Role
		obj["content"] = e.Content
		out = append(out, obj)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("codec.EncodeHistory: %w", err)
	}
	return b, nil
}

// DecodeHistory parses a stored history log.
func DecodeHistory(b []byte) ([]domain.HistoryEntry, error) {
	return decodeHistory("history log", b)
}

// DecodeHistoryEntries parses history entries supplied by a caller.
func DecodeHistoryEntries(b []byte) ([]domain.HistoryEntry, error) {
	return decodeHistory("history entries", b)
}

func decodeHistory(entity string, b []byte) ([]domain.HistoryEntry, error) {
	items, err := decodeArray(entity, b)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.HistoryEntry, 0, len(items))
	for i, item := range items {
		fields, err := decodeEntry(item)
		if err != nil {
			return nil, decodeErrf(entity, "entry %d: %w", i, err)
		}

		var e domain.HistoryEntry
		if err := takeString(fields, "role", &e.Role); err != nil {
			return nil, decodeErrf(entity, "entry %d: %w", i, err)
		}
		if err := takeString(fields, "content", &e.Content); err != nil {
			return nil, decodeErrf(entity, "entry %d: %w", i, err)
		}
		if len(fields) > 0 {
			e.Extra = fields
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// EncodeRuns renders a run log. A nil log encodes as an empty array.
func EncodeRuns(entries []domain.RunEntry) ([]byte, error) {
	out := make([]map[string]any, 0, len(entries))
	for i, e := range entries {
		if !isObject(e.Request) {
			return nil, fmt.Errorf("codec.EncodeRuns: entry %d: request is not an object", i)
		}
		obj := withExtra(e.Extra, 2)
		obj["role"] = e.Role
		obj["request"] = e.Request
		out = append(out, obj)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("codec.EncodeRuns: %w", err)
	}
	return b, nil
}

// DecodeRuns parses a stored run log.
func DecodeRuns(b []byte) ([]domain.RunEntry, error) {
	return decodeRuns("run log", b)
}

// DecodeRunEntries parses run entries supplied by a caller.
func DecodeRunEntries(b []byte) ([]domain.RunEntry, error) {
	return decodeRuns("run entries", b)
}

func decodeRuns(entity string, b []byte) ([]domain.RunEntry, error) {
	items, err := decodeArray(entity, b)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.RunEntry, 0, len(items))
	for i, item := range items {
		fields, err := decodeEntry(item)
		if err != nil {
			return nil, decodeErrf(entity, "entry %d: %w", i, err)
		}

		var e domain.RunEntry
		if err := takeString(fields, "role", &e.Role); err != nil {
			return nil, decodeErrf(entity, "entry %d: %w", i, err)
		}
		request, ok := fields["request"]
		if !ok || !isObject(request) {
			return nil, decodeErrf(entity, "entry %d: request must be an object", i)
		}
		delete(fields, "request")
		e.Request = request
		if len(fields) > 0 {
			e.Extra = fields
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// decodeEntry splits one log entry into its fields.
func decodeEntry(item json.RawMessage) (map[string]json.RawMessage, error) {
	if !isObject(item) {
		return nil, errors.New("expected object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// takeString moves the required string field name out of fields into dst.
func takeString(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return fmt.Errorf("missing %s", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	delete(fields, name)
	return nil
}

// withExtra starts an output object from extra; known fields are set by
// the caller afterwards and win over extra keys of the same name.
func withExtra(extra map[string]json.RawMessage, known int) map[string]any {
	obj := make(map[string]any, len(extra)+known)
	for k, v := range extra {
		obj[k] = v
	}
	return obj
}

// EncodeIndex renders a user index. A nil index encodes as an empty array.
func EncodeIndex(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("codec.EncodeIndex: %w", err)
	}
	return b, nil
}

// DecodeIndex parses a user index and rejects duplicate session ids.
func DecodeIndex(b []byte) ([]string, error) {
	const entity = "user index"

	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, decodeErr(entity, err)
	}
	if ids == nil {
		return nil, decodeErrf(entity, "expected array, got null")
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, decodeErrf(entity, "duplicate session id %q", id)
		}
		seen[id] = struct{}{}
	}
	return ids, nil
}

func decodeArray(entity string, b []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, decodeErr(entity, err)
	}
	if items == nil {
		return nil, decodeErr(entity, errors.New("expected array, got null"))
	}
	return items, nil
}
