// File: internal/tcp/stringserver.go
// Description: TCP listener for newline-delimited text telemetry. One
// instance serves one stream kind (control, rewards, observations) and
// invokes its callback from reader goroutines.

package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/malmo-go/malmo/api/schemas"
)

// StringServer accepts connections on a TCP port and hands every received
// line to the callback as a TimestampedString. Close joins all reader
// goroutines; the callback never fires after Close returns.
type StringServer struct {
	listener net.Listener
	callback func(schemas.TimestampedString)
	logger   *zap.Logger
	group    *errgroup.Group

	mu       sync.Mutex
	recorder *os.File
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewStringServer binds the port (0 = any free port) and starts accepting.
func NewStringServer(port int, callback func(schemas.TimestampedString), logger *zap.Logger) (*StringServer, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := &StringServer{
		listener: listener,
		callback: callback,
		logger:   logger.Named("stringserver").With(zap.Int("port", listener.Addr().(*net.TCPAddr).Port)),
		group:    &errgroup.Group{},
		conns:    make(map[net.Conn]struct{}),
	}
	s.group.Go(s.acceptLoop)
	return s, nil
}

// Port reports the actually-bound listen port.
func (s *StringServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *StringServer) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.group.Go(func() error {
			s.serve(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			return nil
		})
	}
}

func (s *StringServer) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		msg := schemas.TimestampedString{Timestamp: time.Now().UTC(), Text: scanner.Text()}
		s.deliver(msg)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("connection ended", zap.Error(err))
	}
}

func (s *StringServer) deliver(msg schemas.TimestampedString) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.writeRecordLocked(msg)
	s.mu.Unlock()
	s.callback(msg)
}

// Record starts appending received payloads to path, one timestamped line
// per payload, truncating any previous file.
func (s *StringServer) Record(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open record sink %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.Close()
	}
	s.recorder = file
	return nil
}

// RecordMessage writes one extra entry to the sink, if recording.
func (s *StringServer) RecordMessage(msg schemas.TimestampedString) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRecordLocked(msg)
}

func (s *StringServer) writeRecordLocked(msg schemas.TimestampedString) {
	if s.recorder == nil {
		return
	}
	line := msg.Timestamp.Format(time.RFC3339Nano) + " " + msg.Text + "\n"
	if _, err := s.recorder.WriteString(line); err != nil {
		s.logger.Warn("record write failed", zap.Error(err))
	}
}

// StopRecording flushes and closes the sink, if any.
func (s *StringServer) StopRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.Close()
		s.recorder = nil
	}
}

// Close stops accepting, waits for the reader goroutines, and closes any
// record sink.
func (s *StringServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	if werr := s.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	s.StopRecording()
	return err
}
