package curve

import (
	"encoding/binary"
	"fmt"

	"github.com/goburrow/crake/session"
)

// Record layout: type (1), version (2), length (2), payload. Hello flights
// are sent in the clear; everything after key computation is sealed with
// the record header as additional data.
const (
	recordAlert     = 21
	recordHandshake = 22
	recordData      = 23

	recordVersion = 0x0303

	headerSize   = 5
	ivSize       = 12
	keySize      = 32
	aeadOverhead = 16

	maxPlaintext = 16384
	maxPayload   = maxPlaintext + aeadOverhead
	packetSize   = headerSize + maxPayload

	msgClientHello = 1
	msgServerHello = 2
	msgFinished    = 20

	helloSize    = 1 + 32
	finishedSize = 1 + 32

	alertClose = 0
)

var errUnderflow = fmt.Errorf("curve: record incomplete")

// peekRecord inspects the next record in src without consuming it. It
// returns the record type and payload, or errUnderflow when src does not
// yet hold a full record.
func peekRecord(src *session.Buffer) (byte, []byte, error) {
	w := src.Window()
	if len(w) < headerSize {
		return 0, nil, errUnderflow
	}
	typ := w[0]
	if typ != recordAlert && typ != recordHandshake && typ != recordData {
		return 0, nil, fmt.Errorf("curve: bad record type %d", typ)
	}
	if v := binary.BigEndian.Uint16(w[1:3]); v != recordVersion {
		return 0, nil, fmt.Errorf("curve: bad record version %#x", v)
	}
	n := int(binary.BigEndian.Uint16(w[3:5]))
	if n > maxPayload {
		return 0, nil, fmt.Errorf("curve: oversized record, %d bytes", n)
	}
	if len(w) < headerSize+n {
		return 0, nil, errUnderflow
	}
	return typ, w[headerSize : headerSize+n], nil
}

// putHeader writes a record header into b.
func putHeader(b []byte, typ byte, n int) {
	b[0] = typ
	binary.BigEndian.PutUint16(b[1:3], recordVersion)
	binary.BigEndian.PutUint16(b[3:5], uint16(n))
}

// writePlainRecord appends an unencrypted record to dst.
func writePlainRecord(dst *session.Buffer, typ byte, payload []byte) int {
	w := dst.Window()
	putHeader(w, typ, len(payload))
	copy(w[headerSize:], payload)
	n := headerSize + len(payload)
	dst.Advance(n)
	return n
}

// sealRecord appends an encrypted record to dst and bumps the send
// sequence. The header doubles as additional data.
func (e *Engine) sealRecord(dst *session.Buffer, typ byte, payload []byte) int {
	w := dst.Window()
	putHeader(w, typ, len(payload)+aeadOverhead)
	ct := e.sendAEAD.Seal(w[headerSize:headerSize], e.nonce(e.sendIV, e.sendSeq), payload, w[:headerSize])
	e.sendSeq++
	n := headerSize + len(ct)
	dst.Advance(n)
	return n
}

// openRecord decrypts the payload of an encrypted record in place of a
// scratch slice and bumps the receive sequence.
func (e *Engine) openRecord(typ byte, payload, scratch []byte) ([]byte, error) {
	hdr := make([]byte, headerSize)
	putHeader(hdr, typ, len(payload))
	pt, err := e.recvAEAD.Open(scratch[:0], e.nonce(e.recvIV, e.recvSeq), payload, hdr)
	if err != nil {
		return nil, fmt.Errorf("curve: record authentication failed")
	}
	e.recvSeq++
	return pt, nil
}

// nonce xors the sequence number into the trailing bytes of the static IV.
func (e *Engine) nonce(iv [ivSize]byte, seq uint64) []byte {
	n := make([]byte, ivSize)
	copy(n, iv[:])
	for i := 0; i < 8; i++ {
		n[ivSize-1-i] ^= byte(seq >> (8 * i))
	}
	return n
}
