// Package crake provides a readiness-driven TCP communications framework.
// A single-goroutine reactor multiplexes non-blocking sockets; each
// connection is driven by a session that delivers plaintext to the
// application handler, either directly or through a cipher engine that
// transforms the byte stream transparently.
package crake

import (
	"net"
	"runtime"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/goburrow/crake/session"
)

// Config configures a Server or Client endpoint.
type Config struct {
	// Handler receives connection events for every session.
	Handler session.Handler
	// Engine, when set, wraps each connection in a secure session driving
	// the returned cipher engine. Nil means plaintext sessions.
	Engine func(role session.Role) session.Engine
	// Workers is the executor pool size for delegated engine tasks.
	Workers int
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// NewConfig creates a config with defaults for the given handler.
func NewConfig(handler session.Handler) *Config {
	return &Config{
		Handler: handler,
		Workers: runtime.GOMAXPROCS(0),
	}
}

// endpoint is the bootstrap state shared by Server and Client.
type endpoint struct {
	config  *Config
	logger  *zap.Logger
	reactor *Reactor
}

func (e *endpoint) start(name string) error {
	if e.reactor != nil {
		return nil
	}
	logger := e.config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r, err := newReactor(name, e.config.Workers, logger)
	if err != nil {
		return err
	}
	e.logger = logger
	e.reactor = r
	return nil
}

// Dispatch schedules fn onto the endpoint's reactor, serialized with all
// session callbacks. Safe from any goroutine once the endpoint is started.
func (e *endpoint) Dispatch(fn func()) {
	e.reactor.Dispatch(fn)
}

// bindSession creates the session for an established connection on the
// bridge b and delivers Opened. Runs on the reactor.
func (e *endpoint) bindSession(b *bridge, role session.Role, raddr net.Addr) {
	sk := newSock(e.reactor, b.fd, raddr)
	logger := e.logger.With(
		zap.String("conn", uuid.NewString()),
		zap.Stringer("remote", raddr),
		zap.Stringer("role", role),
	)
	var d session.Driver
	if e.config.Engine != nil {
		d = session.NewSecure(role, e.config.Engine(role), sk, b, e.config.Handler, b.idx, logger).Driver()
	} else {
		d = session.NewPlain(role, sk, b, e.config.Handler, b.idx, logger)
	}
	b.AddHandler(d)
	d.Opened()
}

// attachSession registers fd with the reactor and binds a session to it.
// Runs on the reactor.
func (e *endpoint) attachSession(role session.Role, fd int, raddr net.Addr) {
	e.bindSession(e.reactor.attach(fd), role, raddr)
}
