// Package transport implements the two adapters described by the design:
// a broadcast adapter (publish at the master, subscribe at every agent) and
// a collector adapter (pull at the master, push at every agent). Both are
// thin wrappers around plain TCP connections exchanging newline-framed JSON
// envelopes — the socket bind plumbing itself is boundary code (§1), but the
// Hub/Subscriber/Pusher types are the adapters the engine and the agent
// dispatcher are written against.
//
// Delivery is best-effort, matching §4.1: a request published before an
// agent subscribes is never seen by it, and a subscriber slow enough to
// fill its write buffer is dropped rather than allowed to stall every other
// agent's delivery.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/paboldin/rally-agent/internal/envelope"
)

const writeTimeout = 2 * time.Second

// Hub is the master-side transport: it accepts agent subscriber connections
// on one address and agent push connections on another, grounded on
// cellorg's internal/broker.Service connection registry and accept loop,
// collapsed from general-purpose named topics/pipes down to the exact two
// streams this system needs.
type Hub struct {
	broadcastAddr string
	collectAddr   string
	debug         bool

	broadcastLn net.Listener
	collectLn   net.Listener

	subsMu sync.Mutex
	subs   map[string]*subscriberConn

	collector *Collector
}

type subscriberConn struct {
	id   string
	conn net.Conn
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewHub creates a Hub bound to the given addresses. Pass ":0" to bind an
// ephemeral port (the actual address is then available from
// BroadcastAddr/CollectAddr after Start).
func NewHub(broadcastAddr, collectAddr string, debug bool) *Hub {
	return &Hub{
		broadcastAddr: broadcastAddr,
		collectAddr:   collectAddr,
		debug:         debug,
		subs:          make(map[string]*subscriberConn),
		collector:     newCollector(),
	}
}

// Start opens both listeners and begins accepting connections. It returns
// once both listeners are bound; connection handling continues in
// background goroutines until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	bln, err := net.Listen("tcp", h.broadcastAddr)
	if err != nil {
		return fmt.Errorf("transport: listen broadcast %s: %w", h.broadcastAddr, err)
	}
	h.broadcastLn = bln

	cln, err := net.Listen("tcp", h.collectAddr)
	if err != nil {
		bln.Close()
		return fmt.Errorf("transport: listen collect %s: %w", h.collectAddr, err)
	}
	h.collectLn = cln

	go func() {
		<-ctx.Done()
		h.broadcastLn.Close()
		h.collectLn.Close()
		h.collector.close()
	}()

	go h.acceptBroadcast()
	go h.acceptCollect()

	return nil
}

// BroadcastAddr returns the bound broadcast listener address.
func (h *Hub) BroadcastAddr() string {
	if h.broadcastLn == nil {
		return h.broadcastAddr
	}
	return h.broadcastLn.Addr().String()
}

// CollectAddr returns the bound collector listener address.
func (h *Hub) CollectAddr() string {
	if h.collectLn == nil {
		return h.collectAddr
	}
	return h.collectLn.Addr().String()
}

func (h *Hub) acceptBroadcast() {
	for {
		conn, err := h.broadcastLn.Accept()
		if err != nil {
			return
		}
		sc := &subscriberConn{
			id:   fmt.Sprintf("sub_%d", time.Now().UnixNano()),
			conn: conn,
			enc:  json.NewEncoder(conn),
		}
		h.subsMu.Lock()
		h.subs[sc.id] = sc
		h.subsMu.Unlock()

		if h.debug {
			log.Printf("transport: agent subscribed (%s)", sc.id)
		}

		// Subscribers never send on this connection; watch it purely to
		// notice disconnects and deregister promptly.
		go func() {
			buf := make([]byte, 1)
			conn.Read(buf)
			h.subsMu.Lock()
			delete(h.subs, sc.id)
			h.subsMu.Unlock()
			conn.Close()
			if h.debug {
				log.Printf("transport: agent unsubscribed (%s)", sc.id)
			}
		}()
	}
}

func (h *Hub) acceptCollect() {
	for {
		conn, err := h.collectLn.Accept()
		if err != nil {
			return
		}
		go h.readReplies(conn)
	}
}

func (h *Hub) readReplies(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	for {
		var reply envelope.Reply
		if err := dec.Decode(&reply); err != nil {
			return
		}
		h.collector.push(&reply)
	}
}

// Publish broadcasts req to every currently-connected subscriber. Delivery
// is fire-and-forget: a subscriber that errors or blocks past writeTimeout
// is dropped, matching handlePublish's "continue with other subscribers
// even if one fails".
func (h *Hub) Publish(req *envelope.Request) error {
	h.subsMu.Lock()
	targets := make([]*subscriberConn, 0, len(h.subs))
	for _, sc := range h.subs {
		targets = append(targets, sc)
	}
	h.subsMu.Unlock()

	for _, sc := range targets {
		sc.mu.Lock()
		sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := sc.enc.Encode(req)
		sc.mu.Unlock()
		if err != nil {
			if h.debug {
				log.Printf("transport: dropping slow/closed subscriber %s: %v", sc.id, err)
			}
			h.subsMu.Lock()
			delete(h.subs, sc.id)
			h.subsMu.Unlock()
			sc.conn.Close()
		}
	}
	return nil
}

// Collector exposes the collector adapter's two operations to the engine.
func (h *Hub) Collector() *Collector {
	return h.collector
}
