package uds

import (
	"context"
	stderrors "errors"
	"net"
	"os"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/pkg/exception"
)

// Server accepts connections on a Unix domain socket.
type Server struct {
	path string

	mu sync.Mutex
	ln *net.UnixListener
	wg sync.WaitGroup
}

// NewServer creates a server for the socket at path.
func NewServer(path string) (*Server, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Server{path: path}, nil
}

// Path returns the configured socket path.
func (s *Server) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Listen binds the socket, replacing a stale socket file left at path.
func (s *Server) Listen() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return exception.ErrAlreadyListeningUDS
	}
	if err := RemoveIfExists(s.path); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &net.UnixAddr{Name: s.path, Net: unixNetwork})
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.path)
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

// Serve accepts connections and runs handle for each on its own goroutine
// until ctx is done. It closes the listener and waits for handlers before
// returning.
func (s *Server) Serve(ctx context.Context, handle func(ctx context.Context, conn net.Conn)) error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return exception.ErrNotListeningUDS
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			stopConn := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stopConn()
			handle(ctx, conn)
		}()
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	if err != nil {
		logs.Warnf("uds: close %s: %+v", s.path, err)
	}
	return err
}

// RemoveIfExists removes the socket file at path. A non-socket file is left
// in place and reported.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyPathUDS
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return errors.Wrap(exception.ErrPathNotSocketUDS, path)
	}
	return os.Remove(path)
}
