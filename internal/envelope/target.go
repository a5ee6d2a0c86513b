package envelope

import "encoding/json"

// Target filters which agent(s) a request is meant for: a single agent id,
// a set of agent ids, or absent (meaning every agent). A nil *Target always
// means "every agent" — callers should use Request.Target(), which returns
// nil for an absent field, rather than constructing a zero Target.
type Target struct {
	ids map[string]struct{}
}

// newTarget normalizes a decoded JSON value (string or []interface{}) into
// a Target.
func newTarget(v interface{}) *Target {
	ids := make(map[string]struct{})
	switch t := v.(type) {
	case string:
		ids[t] = struct{}{}
	case []interface{}:
		for _, e := range t {
			if s, ok := e.(string); ok {
				ids[s] = struct{}{}
			}
		}
	case []string:
		for _, s := range t {
			ids[s] = struct{}{}
		}
	}
	return &Target{ids: ids}
}

// NewTarget builds a Target from an explicit set of agent ids.
func NewTarget(ids ...string) *Target {
	return newTarget(append([]interface{}{}, toInterfaceSlice(ids)...))
}

func toInterfaceSlice(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Includes reports whether agentID is addressed by t. A nil Target
// (the "target" field was absent) includes every agent.
func (t *Target) Includes(agentID string) bool {
	if t == nil {
		return true
	}
	_, ok := t.ids[agentID]
	return ok
}

// MarshalJSON renders a single-element target as a bare string (matching
// what an operator most commonly sends) and a multi-element target as an
// array.
func (t *Target) MarshalJSON() ([]byte, error) {
	if t == nil || len(t.ids) == 0 {
		return json.Marshal(nil)
	}
	if len(t.ids) == 1 {
		for id := range t.ids {
			return json.Marshal(id)
		}
	}
	ids := make([]string, 0, len(t.ids))
	for id := range t.ids {
		ids = append(ids, id)
	}
	return json.Marshal(ids)
}
