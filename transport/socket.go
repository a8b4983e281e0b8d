package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// nameLength is the fixed size of a node's reply to a name request.
const nameLength = 24

type nodeConn struct {
	mu      sync.Mutex
	address string
	conn    net.Conn
}

// Socket reaches nodes over stream sockets (a serial bridge or an RFCOMM
// proxy exposed as TCP). One connection per node is kept open and redialled
// after any error.
type Socket struct {
	dialTimeout time.Duration
	dial        func(ctx context.Context, network, address string) (net.Conn, error)

	mu    sync.Mutex
	nodes map[string]*nodeConn
}

// NewSocket creates a socket transport.
func NewSocket(dialTimeout time.Duration) *Socket {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return &Socket{
		dialTimeout: dialTimeout,
		dial:        d.DialContext,
		nodes:       make(map[string]*nodeConn),
	}
}

// Register records or updates the address of a node.
func (s *Socket) Register(nodeID, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nc, ok := s.nodes[nodeID]; ok {
		nc.mu.Lock()
		if nc.address != address {
			nc.closeLocked()
			nc.address = address
		}
		nc.mu.Unlock()
		return
	}
	s.nodes[nodeID] = &nodeConn{address: address}
}

// Forget closes and drops a node's connection.
func (s *Socket) Forget(nodeID string) {
	s.mu.Lock()
	nc, ok := s.nodes[nodeID]
	delete(s.nodes, nodeID)
	s.mu.Unlock()
	if ok {
		nc.mu.Lock()
		nc.closeLocked()
		nc.mu.Unlock()
	}
}

// Request sends cmd and reads a single status byte.
func (s *Socket) Request(ctx context.Context, nodeID string, cmd byte) (byte, error) {
	s.mu.Lock()
	nc, ok := s.nodes[nodeID]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn == nil {
		conn, err := s.dial(ctx, "tcp", nc.address)
		if err != nil {
			return 0, classify(ctx, fmt.Errorf("dial %s: %w", nc.address, err))
		}
		nc.conn = conn
	}

	buf, err := exchange(ctx, nc.conn, cmd, 1)
	if err != nil {
		nc.closeLocked()
		return 0, classify(ctx, err)
	}
	return buf[0], nil
}

// Identify dials address, sends the name request and returns the node's
// self-reported id. The connection is closed afterwards.
func (s *Socket) Identify(ctx context.Context, address string, nameRequest byte) (string, error) {
	conn, err := s.dial(ctx, "tcp", address)
	if err != nil {
		return "", classify(ctx, fmt.Errorf("dial %s: %w", address, err))
	}
	defer conn.Close()

	buf, err := exchange(ctx, conn, nameRequest, nameLength)
	if err != nil {
		return "", classify(ctx, err)
	}
	return strings.TrimRight(string(buf), "\x00 \r\n"), nil
}

// Close drops every open connection.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, nc := range s.nodes {
		nc.mu.Lock()
		nc.closeLocked()
		nc.mu.Unlock()
		delete(s.nodes, id)
	}
}

func exchange(ctx context.Context, conn net.Conn, cmd byte, n int) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write([]byte{cmd}); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf, nil
}

func classify(ctx context.Context, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (nc *nodeConn) closeLocked() {
	if nc.conn == nil {
		return
	}
	if err := nc.conn.Close(); err != nil {
		log.Printf("transport: close %s: %v", nc.address, err)
	}
	nc.conn = nil
}
