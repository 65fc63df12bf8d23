// Package session provides the per-connection state machines of the crake
// framework: a secure session that drives a cipher engine between the
// readiness loop and the application handler, and a plain session that
// delivers socket readiness directly.
package session

import (
	"errors"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// Role distinguishes the initiating side of a connection.
type Role uint8

// Connection roles
const (
	Client Role = iota
	Server
)

var roleNames = [...]string{
	Client: "client",
	Server: "server",
}

func (r Role) String() string {
	return roleNames[r]
}

// ErrClosed is returned by Channel operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Socket is the non-blocking transport below a session. Read and Write
// return (0, nil) when the operation would block; Read returns io.EOF at
// end of stream.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// Driver is the reactor-facing side of a session: the outer loop delivers
// open and readiness events through it. Index is the stable identity in the
// loop's handler table.
type Driver interface {
	Index() int
	Opened()
	Readable()
	Writable()
}

// Bridge is the interface a session requires from the outer loop.
// SelectForRead and SelectForWrite are idempotent re-arms. Execute runs a
// CPU-bound unit off the I/O loop; Dispatch schedules a function back onto
// the loop, serialized with readiness callbacks. Delink and AddHandler swap
// drivers in the handler table.
type Bridge interface {
	SelectForRead()
	SelectForWrite()
	Execute(task func())
	Dispatch(fn func())
	Delink(d Driver)
	AddHandler(d Driver)
	Name() string
}

// Channel is the plaintext view of a connection handed to the application.
// Read returns (0, nil) when no plaintext is buffered; Write returns the
// number of plaintext bytes accepted, which may be short when the socket
// or the outbound buffer is full.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	RemoteAddr() net.Addr
}

// Handle re-arms readiness and closes the session on behalf of the
// application.
type Handle interface {
	SelectForRead()
	SelectForWrite()
	Close()
}

// Handler is the application event handler. HandleAccept or HandleConnect
// is invoked exactly once, after the session is ready and before any
// HandleRead or HandleWrite. The handler must retain the Handle to re-arm
// readiness. Closing is the last call before teardown.
type Handler interface {
	HandleAccept(c Channel, h Handle)
	HandleConnect(c Channel, h Handle)
	HandleRead(c Channel)
	HandleWrite(c Channel)
	Closing(c Channel)
}

type phase uint8

const (
	phaseHandshake phase = iota
	phaseData
)

// Secure is a session that transforms between the encrypted socket side
// and the plaintext application side through a cipher engine. All methods
// must be invoked on the session's reactor, except where noted.
type Secure struct {
	role   Role
	engine Engine
	sock   Socket
	bridge Bridge
	app    Handler
	index  int
	logger *zap.Logger

	inEnc   *Buffer // ciphertext from the socket, fill mode between events
	inClear *Buffer // plaintext for the application, drain mode between events
	outEnc  *Buffer // ciphertext to the socket, drain mode between events

	open      atomic.Bool
	phase     phase
	connected bool // accept/connect delivered
	closing   bool // Close requested, shutdown in progress
	taskBusy  bool // one delegated task in flight
}

// NewSecure creates a secure session around engine and sock. The session is
// not registered with the loop; the caller adds Driver() to the handler
// table and delivers Opened on the dispatch that completes accept or
// connect.
func NewSecure(role Role, engine Engine, sock Socket, bridge Bridge, app Handler, index int, logger *zap.Logger) *Secure {
	n := engine.PacketBufferSize()
	s := &Secure{
		role:    role,
		engine:  engine,
		sock:    sock,
		bridge:  bridge,
		app:     app,
		index:   index,
		logger:  logger,
		inEnc:   NewBuffer(n),
		inClear: NewBuffer(n),
		outEnc:  NewBuffer(n),
	}
	// outEnc and inClear start drained-empty; inEnc ready to fill.
	s.inClear.Flip()
	s.outEnc.Flip()
	s.open.Store(true)
	return s
}

// Index returns the session's identity in the loop's handler table.
func (s *Secure) Index() int {
	return s.index
}

// Driver returns the reactor-facing driver for the session's current phase.
func (s *Secure) Driver() Driver {
	if s.phase == phaseData {
		return dataDriver{s}
	}
	return hsDriver{s}
}

// RemoteAddr returns the peer address.
func (s *Secure) RemoteAddr() net.Addr {
	return s.sock.RemoteAddr()
}

// SelectForRead re-arms read readiness. If decrypted or decryptable bytes
// are already buffered, delivery is re-scheduled instead, since the socket
// may never become readable again.
func (s *Secure) SelectForRead() {
	if s.phase == phaseData && (s.inClear.HasRemaining() || s.inEnc.Filled() > 0) {
		s.bridge.Dispatch(s.dpPump)
		return
	}
	s.bridge.SelectForRead()
}

// SelectForWrite re-arms write readiness.
func (s *Secure) SelectForWrite() {
	s.bridge.SelectForWrite()
}

// Close initiates an orderly shutdown. It is idempotent. If outbound
// ciphertext is still pending, the shutdown completes when the write-drain
// continuation observes an empty outbound buffer.
func (s *Secure) Close() {
	if !s.open.Load() || s.closing {
		return
	}
	s.closing = true
	s.engine.CloseOutbound()
	if s.outEnc.HasRemaining() {
		s.logger.Debug("close deferred, outbound ciphertext pending",
			zap.Int("pending", s.outEnc.Remaining()))
		s.bridge.SelectForWrite()
		return
	}
	s.doShutdown()
}

// doShutdown emits the engine's close record and tears the session down.
// The close record is fire and forget: the peer's own close record is not
// awaited.
func (s *Secure) doShutdown() {
	if s.outEnc.HasRemaining() {
		panic("session: shutdown with pending outbound ciphertext")
	}
	if s.engine.OutboundDone() {
		s.teardown()
		return
	}
	s.outEnc.Clear()
	_, err := s.engine.Wrap(BufferOf(nil), s.outEnc)
	s.outEnc.Flip()
	if err != nil {
		s.logger.Warn("shutdown wrap failed", zap.Error(err))
		s.outEnc.Discard()
		s.teardown()
		return
	}
	done, err := s.flushOutbound()
	if err != nil {
		s.logger.Warn("shutdown flush failed", zap.Error(err))
		s.teardown()
		return
	}
	if !done {
		s.bridge.SelectForWrite()
		return
	}
	s.teardown()
}

// teardown delinks the session, notifies the application and closes the
// raw socket. It runs at most once.
func (s *Secure) teardown() {
	if !s.open.CompareAndSwap(true, false) {
		return
	}
	s.bridge.Delink(s.Driver())
	s.app.Closing(s)
	if err := s.sock.Close(); err != nil {
		s.logger.Debug("socket close", zap.Error(err))
	}
}

// fatal tears the session down after a socket I/O error. The outbound
// buffer is discarded to suppress further flush attempts.
func (s *Secure) fatal(err error) {
	s.logger.Error("session failed", zap.Error(err))
	s.outEnc.Discard()
	s.closing = true
	s.teardown()
}

// flushOutbound writes pending ciphertext to the socket and reports
// whether the buffer fully drained. On error the buffer is discarded.
func (s *Secure) flushOutbound() (bool, error) {
	n, err := s.sock.Write(s.outEnc.Window())
	if n > 0 {
		s.outEnc.Advance(n)
	}
	if err != nil {
		s.outEnc.Discard()
		return false, err
	}
	return !s.outEnc.HasRemaining(), nil
}

// writable resumes whichever activity was suspended on write readiness:
// drain pending ciphertext first, then continue shutdown, the handshake,
// or hand the turn to the application.
func (s *Secure) writable() {
	if s.outEnc.HasRemaining() {
		done, err := s.flushOutbound()
		if err != nil {
			s.fatal(err)
			return
		}
		if !done {
			s.bridge.SelectForWrite()
			return
		}
	}
	if s.closing {
		s.doShutdown()
		return
	}
	switch s.phase {
	case phaseHandshake:
		s.drive()
	case phaseData:
		s.app.HandleWrite(s)
	}
}

// hsDriver and dataDriver are the two reactor-facing variants of a secure
// session. They share all state through the session; swapping them in the
// handler table under a single dispatch is the handoff at handshake
// completion.
type hsDriver struct {
	s *Secure
}

func (d hsDriver) Index() int { return d.s.index }
func (d hsDriver) Opened()    { d.s.opened() }
func (d hsDriver) Readable()  { d.s.unwrapStep() }
func (d hsDriver) Writable()  { d.s.writable() }

type dataDriver struct {
	s *Secure
}

func (d dataDriver) Index() int { return d.s.index }
func (d dataDriver) Opened()    {}
func (d dataDriver) Readable()  { d.s.dpRead() }
func (d dataDriver) Writable()  { d.s.writable() }
