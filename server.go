package crake

import (
	"errors"

	"go.uber.org/zap"

	"github.com/goburrow/crake/session"
)

// Server accepts TCP connections and attaches a session to each.
type Server struct {
	endpoint

	lfd int
}

// NewServer creates a new server.
func NewServer(config *Config) *Server {
	return &Server{
		endpoint: endpoint{config: config},
		lfd:      -1,
	}
}

// Listen binds the listening socket on addr and registers the acceptor
// with the reactor.
func (s *Server) Listen(addr string) error {
	if err := s.start("server"); err != nil {
		return err
	}
	lfd, laddr, err := listenTCP(addr)
	if err != nil {
		return err
	}
	s.lfd = lfd
	s.logger.Info("listening", zap.Stringer("addr", laddr))
	s.reactor.Dispatch(func() {
		b := s.reactor.attach(lfd)
		b.AddHandler(&acceptor{s: s, b: b})
		b.SelectForRead()
	})
	return nil
}

// Serve runs the reactor loop. Listen must have been called.
func (s *Server) Serve() error {
	if s.reactor == nil {
		return errors.New("crake: server not listening")
	}
	return s.reactor.Run()
}

// Close stops the reactor and closes the listening socket.
func (s *Server) Close() error {
	if s.reactor != nil {
		s.reactor.Close()
	}
	if s.lfd >= 0 {
		err := closeFD(s.lfd)
		s.lfd = -1
		return err
	}
	return nil
}

// acceptor is the reactor driver for the listening socket. Readable drains
// the accept queue and binds a server session to each connection.
type acceptor struct {
	s *Server
	b *bridge
}

func (a *acceptor) Index() int { return a.b.idx }
func (a *acceptor) Opened()    {}
func (a *acceptor) Writable()  {}

func (a *acceptor) Readable() {
	for {
		fd, raddr, err := acceptTCP(a.s.lfd)
		if err != nil {
			a.s.logger.Error("accept failed", zap.Error(err))
			break
		}
		if fd < 0 {
			break
		}
		a.s.logger.Debug("accepted", zap.Stringer("remote", raddr))
		a.s.attachSession(session.Server, fd, raddr)
	}
	a.b.SelectForRead()
}
