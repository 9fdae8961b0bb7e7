// File: internal/tcp/rendezvous.go
// Description: One-shot request/reply exchanges used by the negotiation
// phases, and the persistent outbound command connection.

package tcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Rendezvous dials address:port, writes one newline-terminated request and
// returns the peer's entire short reply. Transport failures (refused
// connection, deadline) come back as errors for the caller to treat as
// absence of that candidate.
func Rendezvous(ctx context.Context, address string, port int, request string, timeout time.Duration) (string, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("dial %s:%d: %w", address, port, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	if !strings.HasSuffix(request, "\n") {
		request += "\n"
	}
	if _, err := io.WriteString(conn, request); err != nil {
		return "", fmt.Errorf("send to %s:%d: %w", address, port, err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read reply from %s:%d: %w", address, port, err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// ClientConnection is a persistent outbound text channel to one executor
// port. Sends are serialized and bounded by a write deadline so a stuck
// peer surfaces as an error instead of wedging the caller.
type ClientConnection struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	logger  *zap.Logger
}

// NewClientConnection dials the executor's command port.
func NewClientConnection(address string, port int, timeout time.Duration, logger *zap.Logger) (*ClientConnection, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial commands port %s:%d: %w", address, port, err)
	}
	return &ClientConnection{
		conn:    conn,
		timeout: timeout,
		logger:  logger.Named("commands"),
	}, nil
}

// Send transmits one command line.
func (c *ClientConnection) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("commands connection is closed")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(c.conn, text); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	c.logger.Debug("sent command", zap.Int("bytes", len(text)))
	return nil
}

// Close releases the connection; further Sends fail.
func (c *ClientConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
