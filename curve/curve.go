// Package curve implements a cipher engine over X25519 key agreement and
// ChaCha20-Poly1305 records. The handshake is two hello flights carrying
// ephemeral public keys, a delegated key computation, and authenticated
// finished messages bound to the transcript. An optional pre-shared key is
// mixed into the key schedule; with it the handshake also authenticates the
// peer.
package curve

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/goburrow/crake/session"
)

// Config holds the engine parameters shared by every connection.
type Config struct {
	// PSK is mixed into the key schedule as the extraction salt. Both
	// peers must agree on it; a nil PSK yields an unauthenticated session.
	PSK []byte
	// Rand is the entropy source for ephemeral keys. Nil means
	// crypto/rand.Reader.
	Rand io.Reader
}

type hsState uint8

const (
	stateIdle hsState = iota
	stateSendHello
	stateAwaitHello
	stateSendReply
	stateCompute
	stateSendFinished
	stateAwaitFinished
	stateDone
)

// Engine is a session cipher engine for one connection. It is driven
// synchronously by a secure session and is not safe for concurrent use,
// except for the delegated task which runs alone between DelegatedTask and
// its completion.
type Engine struct {
	role session.Role
	psk  []byte
	rnd  io.Reader

	state      hsState
	priv       [32]byte
	pub        [32]byte
	peerPub    [32]byte
	transcript hash.Hash
	th         []byte

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	sendIV   [ivSize]byte
	recvIV   [ivSize]byte
	sendSeq  uint64
	recvSeq  uint64

	finSendKey []byte
	finRecvKey []byte

	task    func()
	taskErr error

	closeQueued bool
	outDone     bool
	peerClosed  bool
	inClosed    bool
}

// NewEngine creates an engine for one connection in the given role.
func NewEngine(cfg *Config, role session.Role) *Engine {
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Engine{
		role: role,
		psk:  cfg.PSK,
		rnd:  rnd,
	}
}

// BeginHandshake generates the ephemeral key pair and arms the first flight.
func (e *Engine) BeginHandshake() error {
	if _, err := io.ReadFull(e.rnd, e.priv[:]); err != nil {
		return fmt.Errorf("curve: generate key: %v", err)
	}
	pub, err := curve25519.X25519(e.priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("curve: generate key: %v", err)
	}
	copy(e.pub[:], pub)
	e.transcript = sha256.New()
	if e.role == session.Client {
		e.state = stateSendHello
	} else {
		e.state = stateAwaitHello
	}
	return nil
}

// HandshakeStatus reports what the engine needs next.
func (e *Engine) HandshakeStatus() session.HandshakeStatus {
	switch e.state {
	case stateSendHello, stateSendReply, stateSendFinished:
		return session.NeedWrap
	case stateAwaitHello, stateAwaitFinished:
		return session.NeedUnwrap
	case stateCompute:
		return session.NeedTask
	default:
		return session.NotHandshaking
	}
}

// DelegatedTask returns the pending key computation once, or nil.
func (e *Engine) DelegatedTask() func() {
	task := e.task
	e.task = nil
	return task
}

// CloseOutbound queues the close alert; the next Wrap produces it.
func (e *Engine) CloseOutbound() {
	e.closeQueued = true
}

// OutboundDone reports whether the close alert has been produced.
func (e *Engine) OutboundDone() bool {
	return e.outDone
}

// CloseInbound marks the inbound side closed. It returns an error when the
// peer's close alert was never received, indicating a truncated stream.
func (e *Engine) CloseInbound() error {
	e.inClosed = true
	if !e.peerClosed {
		return fmt.Errorf("curve: inbound closed without close alert")
	}
	return nil
}

// PacketBufferSize is the buffer capacity needed for one full record.
func (e *Engine) PacketBufferSize() int {
	return packetSize
}
