package session

import (
	"io"

	"go.uber.org/zap"
)

// dpRead is the data-phase read-readiness entry: pull ciphertext off the
// socket, then pump the engine.
func (s *Secure) dpRead() {
	n, err := s.sock.Read(s.inEnc.Window())
	if n > 0 {
		s.inEnc.Advance(n)
	}
	if err != nil {
		if err == io.EOF {
			if cerr := s.engine.CloseInbound(); cerr != nil {
				s.logger.Debug("inbound truncated", zap.Error(cerr))
			}
			s.Close()
			return
		}
		s.fatal(err)
		return
	}
	s.dpPump()
}

// dpPump unwraps buffered ciphertext into the plaintext buffer and hands
// the window to the application. Residual ciphertext survives in the
// inbound buffer; residual plaintext survives until the application drains
// it through Read.
func (s *Secure) dpPump() {
	if !s.open.Load() {
		return
	}
	s.inEnc.Flip()
	s.inClear.Compact()
	var (
		sawClosed bool
		reneg     bool
	)
	for s.inEnc.HasRemaining() {
		res, err := s.engine.Unwrap(s.inEnc, s.inClear)
		if err != nil {
			s.inEnc.Compact()
			s.inClear.Flip()
			s.logger.Error("unwrap failed", zap.Error(err))
			s.Close()
			return
		}
		if res.Status == StatusUnderflow {
			// Partial record; wait for the rest.
			break
		}
		if res.Status == StatusOverflow {
			// No room for another record until the application drains.
			break
		}
		if res.Status == StatusClosed {
			sawClosed = true
			break
		}
		if res.Handshake != NotHandshaking && res.Handshake != Finished {
			reneg = true
			break
		}
	}
	s.inEnc.Compact()
	s.inClear.Flip()

	if s.inClear.HasRemaining() {
		s.app.HandleRead(s)
	}
	switch {
	case sawClosed:
		s.Close()
	case reneg:
		s.reenterHandshake()
	case !s.inClear.HasRemaining() && s.open.Load() && !s.closing:
		s.bridge.SelectForRead()
	}
}

// Read drains buffered plaintext into p. It returns (0, nil) when nothing
// is buffered; the application re-arms with SelectForRead. After teardown
// it returns io.EOF.
func (s *Secure) Read(p []byte) (int, error) {
	if s.inClear.HasRemaining() {
		return s.inClear.Get(p), nil
	}
	if !s.open.Load() {
		return 0, io.EOF
	}
	return 0, nil
}

// Write wraps plaintext into ciphertext records and flushes them, repeating
// until all of p is consumed or the socket stops accepting bytes. It
// returns the number of plaintext bytes consumed; when short, the
// application re-arms with SelectForWrite and retries the remainder.
func (s *Secure) Write(p []byte) (int, error) {
	if !s.open.Load() || s.closing {
		return 0, ErrClosed
	}
	if s.phase != phaseData {
		// Mid-session handshake in progress; retry after it completes.
		return 0, nil
	}
	src := BufferOf(p)
	total := 0
	for src.HasRemaining() {
		if s.outEnc.HasRemaining() {
			done, err := s.flushOutbound()
			if err != nil {
				s.fatal(err)
				return total, err
			}
			if !done {
				s.bridge.SelectForWrite()
				return total, nil
			}
		}
		s.outEnc.Clear()
		res, err := s.engine.Wrap(src, s.outEnc)
		s.outEnc.Flip()
		if err != nil {
			s.logger.Error("wrap failed", zap.Error(err))
			s.Close()
			return total, err
		}
		total += res.Consumed
		if res.Status == StatusClosed {
			return total, ErrClosed
		}
		if res.Handshake != NotHandshaking && res.Handshake != Finished {
			s.reenterHandshake()
			return total, nil
		}
	}
	if s.outEnc.HasRemaining() {
		done, err := s.flushOutbound()
		if err != nil {
			s.fatal(err)
			return total, err
		}
		if !done {
			s.bridge.SelectForWrite()
		}
	}
	return total, nil
}
