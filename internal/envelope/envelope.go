// Package envelope defines the wire format shared by the master and every
// agent: a flat JSON object correlated by a "req" id, with an "action" name
// and action-specific fields folded into the same object (there is no
// separate "payload" sub-document).
//
// Request and Reply are thin wrappers around a field map rather
// than fixed structs: the set of fields present depends on which action is
// in play (ping/command/tail/check each read and write a different subset),
// and a handler failure is reported by adding an "error" field to an
// otherwise normal reply, never by a distinct envelope shape.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Request is the message published by the master and read by every agent.
type Request struct {
	fields map[string]interface{}
}

// NewRequest creates a request for the given action with a freshly minted
// correlation id.
func NewRequest(action string) *Request {
	return &Request{fields: map[string]interface{}{
		"req":    NewCorrelationID(),
		"action": action,
	}}
}

// NewCorrelationID mints a fresh, collision-avoiding correlation id.
func NewCorrelationID() string {
	return uuid.New().String()
}

// Req returns the correlation id.
func (r *Request) Req() string {
	return r.GetString("req", "")
}

// SetReq stamps the correlation id, overwriting any previous value.
func (r *Request) SetReq(id string) {
	r.Set("req", id)
}

// Action returns the handler name requested.
func (r *Request) Action() string {
	return r.GetString("action", "")
}

// Target returns the agent selector, or nil if the request targets every
// agent (the field was absent).
func (r *Request) Target() *Target {
	v, ok := r.fields["target"]
	if !ok || v == nil {
		return nil
	}
	return newTarget(v)
}

// Set stores a field, creating the backing map on first use.
func (r *Request) Set(key string, value interface{}) {
	if r.fields == nil {
		r.fields = make(map[string]interface{})
	}
	r.fields[key] = value
}

// Get returns a raw field value.
func (r *Request) Get(key string) (interface{}, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// GetString returns a string field, or def if absent or not a string.
func (r *Request) GetString(key, def string) string {
	if v, ok := r.fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetBool returns a truthy field the way the original dispatcher treats
// "thread"/"wait"/"clear": any present, non-zero, non-false, non-empty value
// is truthy.
func (r *Request) GetBool(key string) bool {
	v, ok := r.fields[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "0" && t != "false"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// GetInt returns an integer field, or def if absent or not numeric.
func (r *Request) GetInt(key string, def int) int {
	v, ok := r.fields[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return def
		}
		return int(n)
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// GetStringSlice returns a []string field (JSON arrays decode as
// []interface{}; a bare string is treated as a single-element slice).
func (r *Request) GetStringSlice(key string) []string {
	v, ok := r.fields[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

// MarshalJSON renders the request as a flat JSON object.
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.fields)
}

// UnmarshalJSON decodes a flat JSON object into the request.
func (r *Request) UnmarshalJSON(data []byte) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.fields = fields
	return nil
}

// Reply is the message an agent pushes back to the collector.
type Reply struct {
	fields map[string]interface{}
}

// NewReply creates a reply skeleton carrying only req and agent, per §4.2
// step 2 of the dispatch algorithm.
func NewReply(req, agent string) *Reply {
	return &Reply{fields: map[string]interface{}{
		"req":   req,
		"agent": agent,
	}}
}

// Req returns the echoed correlation id.
func (r *Reply) Req() string {
	return r.GetString("req", "")
}

// Agent returns the replying agent's id.
func (r *Reply) Agent() string {
	return r.GetString("agent", "")
}

// Set stores a reply field.
func (r *Reply) Set(key string, value interface{}) {
	if r.fields == nil {
		r.fields = make(map[string]interface{})
	}
	r.fields[key] = value
}

// SetError fills the "error" field with err's message, per §4.2 step 4: a
// handler failure never aborts the reply, it annotates it.
func (r *Reply) SetError(err error) {
	r.Set("error", err.Error())
}

// SetErrorf is a convenience wrapper around SetError + fmt.Errorf.
func (r *Reply) SetErrorf(format string, args ...interface{}) {
	r.SetError(fmt.Errorf(format, args...))
}

// Error returns the error field, if any.
func (r *Reply) Error() (string, bool) {
	s := r.GetString("error", "")
	return s, s != ""
}

// Get returns a raw reply field.
func (r *Reply) Get(key string) (interface{}, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// GetString returns a string field, or def if absent.
func (r *Reply) GetString(key, def string) string {
	if v, ok := r.fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// MarshalJSON renders the reply as a flat JSON object.
func (r *Reply) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.fields)
}

// UnmarshalJSON decodes a flat JSON object into the reply.
func (r *Reply) UnmarshalJSON(data []byte) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.fields = fields
	return nil
}

// Fields exposes the full field map for read-only iteration (used by the
// HTTP front when serializing the list of collected replies).
func (r *Reply) Fields() map[string]interface{} {
	return r.fields
}
