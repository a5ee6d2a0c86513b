package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/paboldin/rally-agent/internal/envelope"
)

// Subscriber is the agent-side half of the broadcast adapter: an unbounded
// lazy sequence of incoming requests (§4.1). There is no subscription
// handshake — connecting is subscribing, mirroring a bare zmq SUB socket
// with an empty topic filter.
type Subscriber struct {
	conn net.Conn
	dec  *json.Decoder
}

// DialSubscriber connects to a Hub's broadcast address.
func DialSubscriber(addr string) (*Subscriber, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial broadcast %s: %w", addr, err)
	}
	return &Subscriber{conn: conn, dec: json.NewDecoder(conn)}, nil
}

// Next blocks until the next broadcast request arrives, or returns an error
// (typically io.EOF) once the master closes the connection.
func (s *Subscriber) Next() (*envelope.Request, error) {
	var req envelope.Request
	if err := s.dec.Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Close disconnects the subscriber.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}

// Pusher is the agent-side half of the collector adapter: a send-one
// operation appending a reply (§4.1), mirroring a zmq PUSH socket.
type Pusher struct {
	conn net.Conn
	enc  *json.Encoder
	mu   sync.Mutex
}

// DialPusher connects to a Hub's collect address.
func DialPusher(addr string) (*Pusher, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial collect %s: %w", addr, err)
	}
	return &Pusher{conn: conn, enc: json.NewEncoder(conn)}, nil
}

// Send pushes one reply to the master's collector.
func (p *Pusher) Send(reply *envelope.Reply) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(reply)
}

// Close disconnects the pusher.
func (p *Pusher) Close() error {
	return p.conn.Close()
}
