// File: internal/tcp/videoserver.go
// Description: TCP listener for the binary video stream. Frames arrive
// length-prefixed (4 bytes big-endian) and must match the negotiated
// geometry exactly; anything else terminates the offending connection.

package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/malmo-go/malmo/api/schemas"
)

// VideoServer accepts fixed-geometry frames and hands each one to the
// callback as a TimestampedVideoFrame.
type VideoServer struct {
	listener net.Listener
	width    int
	height   int
	channels int
	callback func(schemas.TimestampedVideoFrame)
	logger   *zap.Logger
	group    *errgroup.Group

	mu       sync.Mutex
	recorder *os.File
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewVideoServer binds the port (0 = any free port) and starts accepting.
func NewVideoServer(port, width, height, channels int, callback func(schemas.TimestampedVideoFrame), logger *zap.Logger) (*VideoServer, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid video geometry %dx%dx%d", width, height, channels)
	}
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := &VideoServer{
		listener: listener,
		width:    width,
		height:   height,
		channels: channels,
		callback: callback,
		logger:   logger.Named("videoserver").With(zap.Int("port", listener.Addr().(*net.TCPAddr).Port)),
		group:    &errgroup.Group{},
		conns:    make(map[net.Conn]struct{}),
	}
	s.group.Go(s.acceptLoop)
	return s, nil
}

// Port reports the actually-bound listen port.
func (s *VideoServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Width returns the negotiated frame width.
func (s *VideoServer) Width() int { return s.width }

// Height returns the negotiated frame height.
func (s *VideoServer) Height() int { return s.height }

// Channels returns the negotiated bytes per pixel.
func (s *VideoServer) Channels() int { return s.channels }

func (s *VideoServer) acceptLoop() error {
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

func (s *VideoServer) serve(conn net.Conn) {
	defer conn.Close()
	frameSize := s.width * s.height * s.channels
	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint32(header[:]))
		if length != frameSize {
			s.logger.Warn("frame size mismatch",
				zap.Int("expected", frameSize), zap.Int("received", length))
			return
		}
		pixels := make([]byte, frameSize)
		if _, err := io.ReadFull(conn, pixels); err != nil {
			return
		}
		frame := schemas.TimestampedVideoFrame{
			Timestamp: time.Now().UTC(),
			Width:     s.width,
			Height:    s.height,
			Channels:  s.channels,
			Pixels:    pixels,
		}
		s.record(frame)
		s.callback(frame)
	}
}

func (s *VideoServer) record(frame schemas.TimestampedVideoFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame.Pixels)))
	if _, err := s.recorder.Write(header[:]); err == nil {
		_, err = s.recorder.Write(frame.Pixels)
		if err != nil {
			s.logger.Warn("frame record write failed", zap.Error(err))
		}
	}
}

// StartRecording appends every received frame, re-framed, to path.
func (s *VideoServer) StartRecording(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open frame sink %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.Close()
	}
	s.recorder = file
	return nil
}

// StopRecording flushes and closes the frame sink, if any.
func (s *VideoServer) StopRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.Close()
		s.recorder = nil
	}
}

// Close stops accepting, unblocks and joins the reader goroutines.
func (s *VideoServer) Close() error {
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
