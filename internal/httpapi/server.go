// Package httpapi is the master's HTTP front (§4.5/§6): a boundary layer
// that parses operator calls into engine invocations and renders engine
// results back to JSON. It is explicitly not part of the core — only its
// contract with the engine matters.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/paboldin/rally-agent/internal/engine"
	"github.com/paboldin/rally-agent/internal/envelope"
)

// Defaults holds the mutable (timeout, agents) pair read/written by
// /configure (§6), shared across all connections by design (unlike the
// missed buffer, these are intentionally global operator defaults).
type Defaults struct {
	mu        sync.Mutex
	timeoutMS float64
	agents    float64
}

func NewDefaults() *Defaults {
	return &Defaults{timeoutMS: 10000, agents: engine.Infinity}
}

func (d *Defaults) Get() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeoutMS, d.agents
}

func (d *Defaults) Set(timeoutMS, agents float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeoutMS = timeoutMS
	d.agents = agents
}

// Server is the explicit (method, path) -> handler table mandated by the
// design (Design Note "Registered HTTP handlers"): routes are matched by
// literal method+path, except "/<action>" which matches any remaining
// single path segment.
type Server struct {
	eng      *engine.Engine
	defaults *Defaults

	mux *http.ServeMux

	sessMu   sync.Mutex
	sessions map[string]*engine.Session
}

// NewServer builds the routing table at startup.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		eng:      eng,
		defaults: NewDefaults(),
		sessions: make(map[string]*engine.Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/configure", s.handleConfigure)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/poll", s.handlePoll)
	mux.HandleFunc("/missed", s.handleMissed)
	mux.HandleFunc("/", s.handleAction)
	s.mux = mux

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// connContextKey is the key under which each connection's unique id is
// stashed by ConnContext, so the session lookup below can key missed-buffer
// state per HTTP connection rather than per request (Design Note "Shared
// mutable missed state").
type connContextKey struct{}

// ConnContext is installed as an *http.Server's ConnContext hook (see
// NewHTTPServer) to stamp each accepted connection with a unique id, giving
// every connection its own *engine.Session.
func (s *Server) ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, fmt.Sprintf("%p", c))
}

func (s *Server) sessionFor(r *http.Request) *engine.Session {
	id, _ := r.Context().Value(connContextKey{}).(string)
	if id == "" {
		// Fallback for test servers (httptest) that don't wire ConnContext:
		// treat the remote address as the connection identity.
		id = r.RemoteAddr
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = engine.NewSession()
		s.sessions[id] = sess
	}
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func repliesToJSON(replies []*envelope.Reply) []map[string]interface{} {
	out := make([]map[string]interface{}, len(replies))
	for i, r := range replies {
		out[i] = r.Fields()
	}
	return out
}

func missedToJSON(missed map[string][]*envelope.Reply) map[string][]map[string]interface{} {
	out := make(map[string][]map[string]interface{}, len(missed))
	for id, replies := range missed {
		out[id] = repliesToJSON(replies)
	}
	return out
}

// parseFloatParam parses a query/body field as a float, defaulting to def
// when absent. "+inf"/"inf" map to positive infinity, matching agents=+Inf.
func parseFloatParam(fields map[string]string, key string, def float64) (float64, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return def, nil
	}
	switch v {
	case "+inf", "inf", "Infinity", "+Infinity":
		return math.Inf(1), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for %s", v, key)
	}
	return f, nil
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		timeoutMS, agents := s.defaults.Get()
		writeJSON(w, http.StatusOK, map[string]interface{}{"timeout": timeoutMS, "agents": agentsJSON(agents)})
	case http.MethodPut:
		fields, err := mergeFields(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		timeoutMS, agents := s.defaults.Get()
		if nt, err := parseFloatParam(fields, "timeout", timeoutMS); err == nil {
			timeoutMS = nt
		}
		if na, err := parseFloatParam(fields, "agents", agents); err == nil {
			agents = na
		}
		s.defaults.Set(timeoutMS, agents)
		writeJSON(w, http.StatusOK, map[string]interface{}{"timeout": timeoutMS, "agents": agentsJSON(agents)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func agentsJSON(agents float64) interface{} {
	if math.IsInf(agents, 1) {
		return "+Inf"
	}
	return agents
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	fields, err := mergeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeoutMS, err := parseFloatParam(fields, "timeout", 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agents, err := parseFloatParam(fields, "agents", engine.Infinity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.sessionFor(r)
	req := envelope.NewRequest("ping")
	replies, err := s.eng.SendAndCollect(sess, req, engine.Policy{TimeoutMS: timeoutMS, Agents: agents})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sortByAgent(replies)
	writeJSON(w, http.StatusOK, repliesToJSON(replies))
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		http.NotFound(w, r)
		return
	}
	action := r.URL.Path[1:]
	if action == "" || strings.Contains(action, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	fields, err := mergeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeoutDefault, agentsDefault := s.defaults.Get()
	timeoutMS, err := parseFloatParam(fields, "timeout", timeoutDefault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agents, err := parseFloatParam(fields, "agents", agentsDefault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := buildRequest(action, fields)
	if t := fields["target"]; t != "" {
		req.Set("target", t)
	}

	sess := s.sessionFor(r)
	replies, err := s.eng.SendAndCollect(sess, req, engine.Policy{TimeoutMS: timeoutMS, Agents: agents})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, repliesToJSON(replies))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	fields, err := mergeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.sessionFor(r)
	id := fields["req"]
	if id == "" {
		id = sess.LastID()
	}

	timeoutDefault, agentsDefault := s.defaults.Get()
	timeoutMS, err := parseFloatParam(fields, "timeout", timeoutDefault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agents, err := parseFloatParam(fields, "agents", agentsDefault)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	replies := s.eng.PollOnly(sess, id, engine.Policy{TimeoutMS: timeoutMS, Agents: agents})
	writeJSON(w, http.StatusOK, repliesToJSON(replies))
}

func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	clear := r.Method == http.MethodDelete
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	fields, err := mergeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeoutMS, err := parseFloatParam(fields, "timeout", 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.sessionFor(r)
	missed := s.eng.DrainMissed(sess, timeoutMS, clear)
	writeJSON(w, http.StatusOK, missedToJSON(missed))
}

func sortByAgent(replies []*envelope.Reply) {
	sort.Slice(replies, func(i, j int) bool { return replies[i].Agent() < replies[j].Agent() })
}

// buildRequest folds the merged fields into a new request, leaving "req"
// for the engine to stamp and translating a few well-known typed fields.
func buildRequest(action string, fields map[string]string) *envelope.Request {
	req := envelope.NewRequest(action)
	for k, v := range fields {
		switch k {
		case "timeout", "agents", "target":
			continue
		case "path", "env":
			req.Set(k, decodeJSONArray(v))
		default:
			req.Set(k, v)
		}
	}
	return req
}

// decodeJSONArray accepts either a JSON-encoded array string (as an HTML
// form client would send for path=["a","b"]) or a bare scalar treated as a
// single-element list.
func decodeJSONArray(v string) interface{} {
	var arr []string
	if err := json.Unmarshal([]byte(v), &arr); err == nil {
		return arr
	}
	return []string{v}
}

// NewHTTPServer wires a Server into an *http.Server with the per-connection
// hook required for session isolation.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s,
		ConnContext: s.ConnContext,
	}
}

// ListenAndServe is a thin convenience wrapper logging the bind address.
func ListenAndServe(addr string, s *Server) error {
	srv := NewHTTPServer(addr, s)
	log.Printf("httpapi: listening on %s", addr)
	return srv.ListenAndServe()
}
