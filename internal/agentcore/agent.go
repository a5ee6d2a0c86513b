// Package agentcore implements the agent side of the bus: the dispatcher
// that routes an incoming broadcast request to a named handler (§4.2) and
// the single-slot command executor that handler relies on (§4.3).
//
// Cyclic-reference note (§9): the dispatcher needs the executor slot and
// handlers need to reach back into the agent that owns it. Rather than a
// handler type holding its own state, every handler is a method on *Agent
// closed over by the dispatch table, so there is exactly one owner.
package agentcore

import (
	"log"

	"github.com/paboldin/rally-agent/internal/envelope"
	"github.com/paboldin/rally-agent/internal/transport"
)

// HandlerFunc executes one action against a request, filling in reply
// fields (or returning an error, which the dispatcher folds into the
// reply's "error" field per §4.2 step 4).
type HandlerFunc func(req *envelope.Request, reply *envelope.Reply) error

// Agent is the agent-side runtime: one identity, one transport pair, one
// executor slot, and a fixed table of named handlers built at startup
// (Design Note: "dynamic dispatch by action name", no runtime attribute
// lookup).
type Agent struct {
	ID    string
	Debug bool

	sub    *transport.Subscriber
	pusher *transport.Pusher

	handlers map[string]HandlerFunc
	exec     *Executor
}

// New builds an agent bound to an already-dialed subscriber/pusher pair.
func New(id string, sub *transport.Subscriber, pusher *transport.Pusher, debug bool) *Agent {
	a := &Agent{
		ID:     id,
		Debug:  debug,
		sub:    sub,
		pusher: pusher,
	}
	a.handlers = map[string]HandlerFunc{
		"ping":    a.handlePing,
		"command": a.handleCommand,
		"tail":    a.handleTail,
		"check":   a.handleCheck,
	}
	return a
}

// Run is the agent's main loop: single-threaded cooperative dispatch,
// reading the next request only after sending the current reply (§5).
// It returns when the subscriber connection is closed by the master.
func (a *Agent) Run() error {
	for {
		req, err := a.sub.Next()
		if err != nil {
			return err
		}
		reply := a.dispatch(req)
		if reply == nil {
			continue
		}
		if err := a.pusher.Send(reply); err != nil {
			return err
		}
	}
}

// dispatch implements §4.2 steps 1-4. It returns nil when the request was
// silently dropped (target exclusion).
func (a *Agent) dispatch(req *envelope.Request) *envelope.Reply {
	if target := req.Target(); target != nil && !target.Includes(a.ID) {
		if a.Debug {
			log.Printf("agent %s: dropping req %s (not targeted)", a.ID, req.Req())
		}
		return nil
	}

	reply := envelope.NewReply(req.Req(), a.ID)

	handler, ok := a.handlers[req.Action()]
	if !ok {
		reply.SetErrorf("Action '%s' unknown.", req.Action())
		return reply
	}

	if err := handler(req, reply); err != nil {
		reply.SetError(err)
	}
	return reply
}
