package domain

import "encoding/json"

// Session is the primary record describing one conversational context.
// ID and UserID are fixed at creation. An empty UserID means the session
// belongs to no user and is not indexed.
type Session struct {
	ID           string
	UserID       string
	UserName     *string
	SavedPrompts map[string]string // nil when the field was never set

	// Extra holds free-form fields verbatim, keyed by their JSON name.
	Extra map[string]json.RawMessage
}

// Merge applies patch onto s field by field. Fields absent from patch are
// preserved; fields set to null in patch become null. ID and UserID are
// never taken from patch.
func (s *Session) Merge(patch *Session) {
	if patch == nil {
		return
	}
	if len(patch.Extra) > 0 && s.Extra == nil {
		s.Extra = make(map[string]json.RawMessage, len(patch.Extra))
	}
	for k, v := range patch.Extra {
		s.Extra[k] = v
		// An explicit null in Extra clears the typed field of that name.
		switch k {
		case "user_name":
			s.UserName = nil
		case "saved_prompts":
			s.SavedPrompts = nil
		}
	}
	if patch.UserName != nil {
		name := *patch.UserName
		s.UserName = &name
		delete(s.Extra, "user_name")
	}
	if patch.SavedPrompts != nil {
		prompts := make(map[string]string, len(patch.SavedPrompts))
		for k, v := range patch.SavedPrompts {
			prompts[k] = v
		}
		s.SavedPrompts = prompts
		delete(s.Extra, "saved_prompts")
	}
}

// HistoryEntry is one message in a session's conversation history.
// Fields other than role and content (name, tool_calls, ...) are kept in
// Extra.
type HistoryEntry struct {
	Role    string                     `json:"role"`
	Content string                     `json:"content"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// RunEntry is one execution record in a session's run log. Request is
// always a JSON object. Fields other than role and request are kept in
// Extra.
type RunEntry struct {
	Role    string                     `json:"role"`
	Request json.RawMessage            `json:"request"`
	Extra   map[string]json.RawMessage `json:"-"`
}
