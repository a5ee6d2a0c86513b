// Package engine implements the master-side broadcast/collect fan-out: the
// correlation of one published request with its returning reply stream,
// bounded by a (timeout, quorum) policy, with late replies salvaged into a
// per-connection missed buffer rather than discarded.
package engine

import (
	"math"
	"sync"
	"time"

	"github.com/paboldin/rally-agent/internal/envelope"
	"github.com/paboldin/rally-agent/internal/transport"
)

// Policy is the engine configuration described by the design: a deadline
// and a quorum. Agents == math.Inf(1) means "drain the full window".
type Policy struct {
	TimeoutMS float64
	Agents    float64
}

// Engine owns the one shared collector and the broadcast adapter; every
// HTTP worker calls through it but brings its own Session for isolated
// missed-buffer state. collectMu is the master's main synchronization point
// (§5): only one worker may own the collector's Poll+Receive pair at a time,
// so it is held for the full duration of a collection loop (and, in
// SendAndCollect, across the publish that precedes it), not just around the
// missed-buffer bookkeeping.
type Engine struct {
	hub *transport.Hub

	collectMu sync.Mutex
}

func New(hub *transport.Hub) *Engine {
	return &Engine{hub: hub}
}

// Session is per-HTTP-connection state: its own missed buffer and its own
// "last id minted" pointer, per Design Note on shared mutable state. Never
// share one Session across connections.
type Session struct {
	mu     sync.Mutex
	missed map[string][]*envelope.Reply
	lastID string
}

func NewSession() *Session {
	return &Session{missed: make(map[string][]*envelope.Reply)}
}

func (s *Session) fileMissed(r *envelope.Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := r.Req()
	s.missed[req] = append(s.missed[req], r)
}

// takeMissed removes and returns any replies already filed for id.
func (s *Session) takeMissed(id string) []*envelope.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	got := s.missed[id]
	delete(s.missed, id)
	return got
}

// Missed returns a snapshot of the full missed buffer, optionally clearing
// it, for the explicit `missed` operation (§4.4/§6).
func (s *Session) Missed(clear bool) map[string][]*envelope.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string][]*envelope.Reply, len(s.missed))
	for k, v := range s.missed {
		cp := make([]*envelope.Reply, len(v))
		copy(cp, v)
		snap[k] = cp
	}
	if clear {
		s.missed = make(map[string][]*envelope.Reply)
	}
	return snap
}

// LastID returns the correlation id of the most recent SendAndCollect call
// on this session, used by /poll's default `req`.
func (s *Session) LastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *Session) setLastID(id string) {
	s.mu.Lock()
	s.lastID = id
	s.mu.Unlock()
}

// SendAndCollect publishes req (stamping a fresh correlation id into it)
// and collects replies under policy, implementing §4.4 steps 1-5.
func (e *Engine) SendAndCollect(sess *Session, req *envelope.Request, policy Policy) ([]*envelope.Reply, error) {
	id := envelope.NewCorrelationID()
	req.SetReq(id)
	sess.setLastID(id)

	e.collectMu.Lock()
	defer e.collectMu.Unlock()

	if err := e.hub.Publish(req); err != nil {
		return nil, err
	}

	return e.collect(sess, id, policy), nil
}

// PollOnly collects replies for an id without publishing a new request
// (§4.4 "poll-only operation"): same loop, step 2 skipped.
func (e *Engine) PollOnly(sess *Session, id string, policy Policy) []*envelope.Reply {
	e.collectMu.Lock()
	defer e.collectMu.Unlock()
	return e.collect(sess, id, policy)
}

// collect runs the collection loop; the caller holds collectMu.
func (e *Engine) collect(sess *Session, id string, policy Policy) []*envelope.Reply {
	queue := sess.takeMissed(id)

	quorum := policy.Agents
	start := time.Now()
	remaining := time.Duration(policy.TimeoutMS) * time.Millisecond

	for remaining > 0 && float64(len(queue)) < quorum {
		if !e.hub.Collector().Poll(remaining) {
			break
		}
		reply, ok := e.hub.Collector().Receive()
		if !ok {
			break
		}
		if reply.Req() == id {
			queue = append(queue, reply)
		} else {
			sess.fileMissed(reply)
		}
		elapsed := time.Since(start)
		remaining = time.Duration(policy.TimeoutMS)*time.Millisecond - elapsed
	}

	return queue
}

// DrainMissed implements the explicit `missed` operation (§4.4): drain the
// collector for the given deadline, filing everything seen into the
// session's missed buffer (nothing is "current", so every reply lands in
// missed regardless of its req), then return the buffer as a snapshot,
// optionally clearing it.
func (e *Engine) DrainMissed(sess *Session, timeoutMS float64, clear bool) map[string][]*envelope.Reply {
	e.collectMu.Lock()
	defer e.collectMu.Unlock()

	start := time.Now()
	remaining := time.Duration(timeoutMS) * time.Millisecond

	for remaining > 0 {
		if !e.hub.Collector().Poll(remaining) {
			break
		}
		reply, ok := e.hub.Collector().Receive()
		if !ok {
			break
		}
		sess.fileMissed(reply)
		elapsed := time.Since(start)
		remaining = time.Duration(timeoutMS)*time.Millisecond - elapsed
	}

	return sess.Missed(clear)
}

// Infinity is the quorum value meaning "wait for the whole timeout".
var Infinity = math.Inf(1)
