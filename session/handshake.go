package session

import (
	"io"

	"go.uber.org/zap"
)

// opened is delivered by the loop when the connection is established:
// on accept for the server role, on connect completion for the client.
func (s *Secure) opened() {
	if err := s.engine.BeginHandshake(); err != nil {
		s.logger.Error("begin handshake failed", zap.Error(err))
		s.Close()
		return
	}
	s.drive()
}

// drive advances the handshake until it has to suspend: for more network
// bytes, for buffer room on the socket, or for a delegated task.
func (s *Secure) drive() {
	for {
		switch hs := s.engine.HandshakeStatus(); hs {
		case Finished, NotHandshaking:
			s.finishHandshake()
			return
		case NeedTask:
			s.offloadTask()
			return
		case NeedUnwrap:
			s.unwrapStep()
			return
		case NeedWrap:
			if s.outEnc.HasRemaining() {
				// A previous flight is still draining; clobbering it
				// would corrupt the stream. Resume on write readiness.
				return
			}
			_, flushed, ok := s.wrapStep()
			if !ok {
				return
			}
			if !flushed {
				s.bridge.SelectForWrite()
				return
			}
		}
	}
}

// wrapStep wraps zero-length plaintext into one outbound flight and
// attempts to flush it. It reports the wrap result, whether the ciphertext
// fully drained, and whether the session is still usable; on failure the
// error has already been routed.
func (s *Secure) wrapStep() (Result, bool, bool) {
	s.outEnc.Clear()
	res, err := s.engine.Wrap(BufferOf(nil), s.outEnc)
	s.outEnc.Flip()
	if err != nil {
		s.logger.Error("handshake wrap failed", zap.Error(err))
		s.outEnc.Discard()
		s.Close()
		return res, false, false
	}
	if res.Consumed != 0 {
		panic("session: handshake wrap consumed application data")
	}
	if res.Produced == 0 {
		panic("session: handshake wrap produced no data")
	}
	done, err := s.flushOutbound()
	if err != nil {
		s.fatal(err)
		return res, false, false
	}
	return res, done, true
}

// unwrapStep reads from the socket and feeds the engine until it needs
// something else: more bytes, a wrap, a task, or completion.
func (s *Secure) unwrapStep() {
	n, err := s.sock.Read(s.inEnc.Window())
	if n > 0 {
		s.inEnc.Advance(n)
	}
	if err != nil {
		if err == io.EOF {
			if cerr := s.engine.CloseInbound(); cerr != nil {
				s.logger.Debug("inbound closed mid-handshake", zap.Error(cerr))
			}
			s.Close()
			return
		}
		s.fatal(err)
		return
	}
	s.inEnc.Flip()
	var res Result
	for {
		res, err = s.engine.Unwrap(s.inEnc, s.inClear)
		if err != nil {
			s.inEnc.Compact()
			s.logger.Error("handshake unwrap failed", zap.Error(err))
			s.Close()
			return
		}
		// Keep consuming partial flights that produce nothing.
		if res.Status != StatusOK || res.Handshake != NeedUnwrap || res.Produced != 0 {
			break
		}
	}
	if res.Status == StatusOK && s.inEnc.HasRemaining() {
		res, err = s.engine.Unwrap(s.inEnc, s.inClear)
		if err != nil {
			s.inEnc.Compact()
			s.logger.Error("handshake unwrap failed", zap.Error(err))
			s.Close()
			return
		}
	}
	s.inEnc.Compact()

	switch res.Status {
	case StatusUnderflow:
		s.bridge.SelectForRead()
		return
	case StatusClosed:
		s.Close()
		return
	case StatusOverflow:
		panic("session: unwrap overflow, plaintext buffer sized to the engine")
	case StatusOK:
	}
	switch res.Handshake {
	case Finished:
		s.finishHandshake()
	case NeedWrap:
		res2, flushed, ok := s.wrapStep()
		if !ok {
			return
		}
		if !flushed {
			s.bridge.SelectForWrite()
			return
		}
		_ = res2
		s.drive()
	case NeedTask:
		s.offloadTask()
	case NeedUnwrap:
		s.bridge.SelectForRead()
	case NotHandshaking:
		panic("session: engine not handshaking during handshake unwrap")
	}
}

// offloadTask submits the engine's delegated task to the executor. The
// continuation is dispatched back onto the loop so session state is only
// touched there. At most one task is in flight per session.
func (s *Secure) offloadTask() {
	if s.taskBusy {
		return
	}
	task := s.engine.DelegatedTask()
	if task == nil {
		return
	}
	s.taskBusy = true
	s.bridge.Execute(func() {
		task()
		s.bridge.Dispatch(s.taskDone)
	})
}

func (s *Secure) taskDone() {
	s.taskBusy = false
	if !s.open.Load() {
		return
	}
	s.drive()
}

// finishHandshake swaps the handshake driver for the data-phase driver and
// delivers the connection callback. The swap happens under the current
// dispatch, so the loop never observes both drivers registered. On a
// renegotiation the callback has already fired and is not repeated.
func (s *Secure) finishHandshake() {
	s.bridge.Delink(hsDriver{s})
	s.phase = phaseData
	s.bridge.AddHandler(dataDriver{s})
	if s.connected {
		return
	}
	s.connected = true
	if s.role == Client {
		s.logger.Debug("handshake finished, connecting")
		s.app.HandleConnect(s, s)
	} else {
		s.logger.Debug("handshake finished, accepting")
		s.app.HandleAccept(s, s)
	}
}

// reenterHandshake swaps back to the handshake driver when the engine
// demands mid-session handshake traffic.
func (s *Secure) reenterHandshake() {
	s.bridge.Delink(dataDriver{s})
	s.phase = phaseHandshake
	s.bridge.AddHandler(hsDriver{s})
	s.drive()
}
