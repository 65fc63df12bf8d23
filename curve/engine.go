package curve

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/goburrow/crake/session"
)

// Wrap produces the next outbound record: a handshake flight, the queued
// close alert, or one sealed data record consuming up to maxPlaintext bytes
// from src.
func (e *Engine) Wrap(src, dst *session.Buffer) (session.Result, error) {
	if e.closeQueued {
		if e.outDone {
			return session.Result{Status: session.StatusClosed, Handshake: e.HandshakeStatus()}, nil
		}
		return e.wrapClose(dst)
	}
	switch e.state {
	case stateSendHello:
		payload := e.helloPayload(msgClientHello)
		n := writePlainRecord(dst, recordHandshake, payload)
		e.transcript.Write(payload)
		e.state = stateAwaitHello
		return session.Result{Status: session.StatusOK, Handshake: session.NeedUnwrap, Produced: n}, nil
	case stateSendReply:
		payload := e.helloPayload(msgServerHello)
		n := writePlainRecord(dst, recordHandshake, payload)
		e.transcript.Write(payload)
		e.state = stateCompute
		e.task = e.keyTask()
		return session.Result{Status: session.StatusOK, Handshake: session.NeedTask, Produced: n}, nil
	case stateSendFinished:
		if e.taskErr != nil {
			return session.Result{}, e.taskErr
		}
		n := e.sealRecord(dst, recordHandshake, e.finishedPayload(e.finSendKey))
		e.state = stateAwaitFinished
		return session.Result{Status: session.StatusOK, Handshake: session.NeedUnwrap, Produced: n}, nil
	case stateDone:
		chunk := src.Remaining()
		if chunk > maxPlaintext {
			chunk = maxPlaintext
		}
		n := e.sealRecord(dst, recordData, src.Window()[:chunk])
		src.Advance(chunk)
		return session.Result{Status: session.StatusOK, Handshake: session.NotHandshaking, Consumed: chunk, Produced: n}, nil
	}
	return session.Result{}, fmt.Errorf("curve: wrap in state %d", e.state)
}

func (e *Engine) wrapClose(dst *session.Buffer) (session.Result, error) {
	payload := []byte{alertClose}
	var n int
	if e.sendAEAD != nil {
		n = e.sealRecord(dst, recordAlert, payload)
	} else {
		n = writePlainRecord(dst, recordAlert, payload)
	}
	e.outDone = true
	return session.Result{Status: session.StatusClosed, Handshake: e.HandshakeStatus(), Produced: n}, nil
}

// Unwrap consumes the next inbound record: a handshake flight, a close
// alert, or one sealed data record decrypted into dst.
func (e *Engine) Unwrap(src, dst *session.Buffer) (session.Result, error) {
	typ, payload, err := peekRecord(src)
	if err == errUnderflow {
		return session.Result{Status: session.StatusUnderflow, Handshake: e.HandshakeStatus()}, nil
	}
	if err != nil {
		return session.Result{}, err
	}
	rec := headerSize + len(payload)

	if typ == recordAlert {
		// A 1-byte alert predates the peer's key schedule and arrives in
		// the clear; otherwise it is sealed like any other record.
		if len(payload) != 1 {
			if e.recvAEAD == nil {
				return session.Result{}, fmt.Errorf("curve: sealed alert before key agreement")
			}
			if _, err := e.openRecord(typ, payload, make([]byte, len(payload))); err != nil {
				return session.Result{}, err
			}
		}
		e.peerClosed = true
		src.Advance(rec)
		return session.Result{Status: session.StatusClosed, Handshake: e.HandshakeStatus(), Consumed: rec}, nil
	}

	switch e.state {
	case stateAwaitHello:
		if typ != recordHandshake || len(payload) != helloSize {
			return session.Result{}, fmt.Errorf("curve: malformed hello")
		}
		want := byte(msgServerHello)
		if e.role == session.Server {
			want = msgClientHello
		}
		if payload[0] != want {
			return session.Result{}, fmt.Errorf("curve: unexpected message %d", payload[0])
		}
		copy(e.peerPub[:], payload[1:])
		e.transcript.Write(payload)
		src.Advance(rec)
		if e.role == session.Client {
			e.state = stateCompute
			e.task = e.keyTask()
			return session.Result{Status: session.StatusOK, Handshake: session.NeedTask, Consumed: rec}, nil
		}
		e.state = stateSendReply
		return session.Result{Status: session.StatusOK, Handshake: session.NeedWrap, Consumed: rec}, nil

	case stateAwaitFinished:
		if typ != recordHandshake {
			return session.Result{}, fmt.Errorf("curve: expected finished, got record type %d", typ)
		}
		pt, err := e.openRecord(typ, payload, make([]byte, len(payload)))
		if err != nil {
			return session.Result{}, err
		}
		src.Advance(rec)
		if len(pt) != finishedSize || pt[0] != msgFinished {
			return session.Result{}, fmt.Errorf("curve: malformed finished")
		}
		mac := hmac.New(sha256.New, e.finRecvKey)
		mac.Write(e.th)
		if !hmac.Equal(mac.Sum(nil), pt[1:]) {
			return session.Result{}, fmt.Errorf("curve: finished verification failed")
		}
		e.state = stateDone
		return session.Result{Status: session.StatusOK, Handshake: session.Finished, Consumed: rec}, nil

	case stateDone:
		if typ != recordData {
			return session.Result{}, fmt.Errorf("curve: unexpected record type %d", typ)
		}
		plainLen := len(payload) - aeadOverhead
		if plainLen < 0 {
			return session.Result{}, fmt.Errorf("curve: short data record")
		}
		if dst.Remaining() < plainLen {
			return session.Result{Status: session.StatusOverflow, Handshake: session.NotHandshaking}, nil
		}
		pt, err := e.openRecord(typ, payload, dst.Window())
		if err != nil {
			return session.Result{}, err
		}
		dst.Advance(len(pt))
		src.Advance(rec)
		return session.Result{Status: session.StatusOK, Handshake: session.NotHandshaking, Consumed: rec, Produced: len(pt)}, nil
	}
	return session.Result{}, fmt.Errorf("curve: unwrap in state %d", e.state)
}

func (e *Engine) helloPayload(msg byte) []byte {
	p := make([]byte, helloSize)
	p[0] = msg
	copy(p[1:], e.pub[:])
	return p
}

func (e *Engine) finishedPayload(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(e.th)
	p := make([]byte, 1, finishedSize)
	p[0] = msgFinished
	return mac.Sum(p)
}

// keyTask returns the delegated key computation. It runs off the I/O loop;
// the session re-enters the state machine only after it completes.
func (e *Engine) keyTask() func() {
	return func() {
		e.taskErr = e.deriveKeys()
		e.state = stateSendFinished
	}
}

// deriveKeys performs the X25519 agreement and expands the directional keys
// from the shared secret, the pre-shared key and the hello transcript.
func (e *Engine) deriveKeys() error {
	shared, err := curve25519.X25519(e.priv[:], e.peerPub[:])
	if err != nil {
		return fmt.Errorf("curve: key agreement: %v", err)
	}
	e.th = e.transcript.Sum(nil)
	prk := hkdf.Extract(sha256.New, shared, e.psk)

	cliKey := expand(prk, "c key", e.th, keySize)
	cliIV := expand(prk, "c iv", e.th, ivSize)
	srvKey := expand(prk, "s key", e.th, keySize)
	srvIV := expand(prk, "s iv", e.th, ivSize)
	cliFin := expand(prk, "c fin", e.th, keySize)
	srvFin := expand(prk, "s fin", e.th, keySize)

	cliAEAD, err := chacha20poly1305.New(cliKey)
	if err != nil {
		return err
	}
	srvAEAD, err := chacha20poly1305.New(srvKey)
	if err != nil {
		return err
	}
	if e.role == session.Client {
		e.sendAEAD, e.recvAEAD = cliAEAD, srvAEAD
		copy(e.sendIV[:], cliIV)
		copy(e.recvIV[:], srvIV)
		e.finSendKey, e.finRecvKey = cliFin, srvFin
	} else {
		e.sendAEAD, e.recvAEAD = srvAEAD, cliAEAD
		copy(e.sendIV[:], srvIV)
		copy(e.recvIV[:], cliIV)
		e.finSendKey, e.finRecvKey = srvFin, cliFin
	}
	return nil
}

func expand(prk []byte, label string, th []byte, n int) []byte {
	info := make([]byte, 0, 6+len(label)+len(th))
	info = append(info, "crake "...)
	info = append(info, label...)
	info = append(info, th...)
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		panic("curve: hkdf expand: " + err.Error())
	}
	return out
}
