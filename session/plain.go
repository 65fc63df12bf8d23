package session

import (
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// Plain is a session without a cipher engine: socket readiness is delivered
// straight to the application and Read/Write pass through to the socket.
type Plain struct {
	role   Role
	sock   Socket
	bridge Bridge
	app    Handler
	index  int
	logger *zap.Logger

	open atomic.Bool
}

// NewPlain creates a plain session around sock. Like NewSecure, the caller
// registers the session with the loop and delivers Opened.
func NewPlain(role Role, sock Socket, bridge Bridge, app Handler, index int, logger *zap.Logger) *Plain {
	p := &Plain{
		role:   role,
		sock:   sock,
		bridge: bridge,
		app:    app,
		index:  index,
		logger: logger,
	}
	p.open.Store(true)
	return p
}

// Index returns the session's identity in the loop's handler table.
func (p *Plain) Index() int {
	return p.index
}

// Opened delivers the connection callback.
func (p *Plain) Opened() {
	if p.role == Client {
		p.app.HandleConnect(p, p)
	} else {
		p.app.HandleAccept(p, p)
	}
}

// Readable hands read readiness to the application.
func (p *Plain) Readable() {
	p.app.HandleRead(p)
}

// Writable hands write readiness to the application.
func (p *Plain) Writable() {
	p.app.HandleWrite(p)
}

// RemoteAddr returns the peer address.
func (p *Plain) RemoteAddr() net.Addr {
	return p.sock.RemoteAddr()
}

// Read reads from the socket. It returns (0, nil) when the socket has no
// bytes available and io.EOF at end of stream.
func (p *Plain) Read(b []byte) (int, error) {
	if !p.open.Load() {
		return 0, ErrClosed
	}
	return p.sock.Read(b)
}

// Write writes to the socket. It may be short when the socket buffer is
// full; the application re-arms with SelectForWrite and retries.
func (p *Plain) Write(b []byte) (int, error) {
	if !p.open.Load() {
		return 0, ErrClosed
	}
	return p.sock.Write(b)
}

// SelectForRead re-arms read readiness.
func (p *Plain) SelectForRead() {
	p.bridge.SelectForRead()
}

// SelectForWrite re-arms write readiness.
func (p *Plain) SelectForWrite() {
	p.bridge.SelectForWrite()
}

// Close delinks the session, notifies the application and closes the
// socket. It is idempotent.
func (p *Plain) Close() {
	if !p.open.CompareAndSwap(true, false) {
		return
	}
	p.bridge.Delink(p)
	p.app.Closing(p)
	if err := p.sock.Close(); err != nil {
		p.logger.Debug("socket close", zap.Error(err))
	}
}
