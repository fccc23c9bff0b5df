// Package codec converts the stored entity shapes (session, history log,
// run log, user index) to and from their JSON representation. Decoding
// performs structural shape checks only.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gosuda/sessionkv/internal/domain"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("codec: decode")

// DecodeError reports bytes that do not have the expected entity shape.
type DecodeError struct {
	Entity string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s: %v", e.Entity, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

func decodeErr(entity string, err error) error {
	return &DecodeError{Entity: entity, Err: err}
}

func decodeErrf(entity, format string, args ...any) error {
	return &DecodeError{Entity: entity, Err: fmt.Errorf(format, args...)}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// EncodeSession renders s as a JSON object. Free-form fields are written
// verbatim; known fields take precedence over Extra entries of the same name.
func EncodeSession(s *domain.Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("codec.EncodeSession: nil session")
	}

	out := make(map[string]any, len(s.Extra)+4)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["id"] = s.ID
	if s.UserID != "" {
		out["user_id"] = s.UserID
	}
	if s.UserName != nil {
		out["user_name"] = *s.UserName
	}
	if s.SavedPrompts != nil {
		out["saved_prompts"] = s.SavedPrompts
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("codec.EncodeSession: %w", err)
	}
	return b, nil
}

// DecodeSession parses a session object. A null id or user_id is treated
// as absent. A null user_name or saved_prompts is kept as an explicit null
// in Extra so it clears the field when merged and round-trips as null.
func DecodeSession(b []byte) (*domain.Session, error) {
	const entity = "session"

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, decodeErr(entity, err)
	}
	if raw == nil {
		return nil, decodeErrf(entity, "expected object, got null")
	}

	s := &domain.Session{}
	for name, v := range raw {
		switch name {
		case "id":
			if err := decodeOptionalString(v, &s.ID); err != nil {
				return nil, decodeErrf(entity, "id: %w", err)
			}
		case "user_id":
			if err := decodeOptionalString(v, &s.UserID); err != nil {
				return nil, decodeErrf(entity, "user_id: %w", err)
			}
		case "user_name":
			if isNull(v) {
				s.Extra = setNull(s.Extra, name)
				continue
			}
			var userName string
			if err := json.Unmarshal(v, &userName); err != nil {
				return nil, decodeErrf(entity, "user_name: %w", err)
			}
			s.UserName = &userName
		case "saved_prompts":
			if isNull(v) {
				s.Extra = setNull(s.Extra, name)
				continue
			}
			var prompts map[string]string
			if err := json.Unmarshal(v, &prompts); err != nil {
				return nil, decodeErrf(entity, "saved_prompts: %w", err)
			}
			s.SavedPrompts = prompts
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[name] = v
		}
	}

	return s, nil
}

func setNull(extra map[string]json.RawMessage, name string) map[string]json.RawMessage {
	if extra == nil {
		extra = make(map[string]json.RawMessage)
	}
	extra[name] = json.RawMessage("null")
	return extra
}

func decodeOptionalString(raw json.RawMessage, dst *string) error {
	if isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
