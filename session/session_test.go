package session

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"go.uber.org/zap"
)

const closeMark = 0x15

// memSocket is an in-memory Socket. Read drains in; Write appends to out,
// accepting at most wmax bytes per call when wmax is non-negative.
type memSocket struct {
	in     []byte
	out    []byte
	eof    bool
	wmax   int
	closed bool
}

func newMemSocket() *memSocket {
	return &memSocket{wmax: -1}
}

func (s *memSocket) Read(p []byte) (int, error) {
	if len(s.in) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *memSocket) Write(p []byte) (int, error) {
	n := len(p)
	if s.wmax >= 0 && n > s.wmax {
		n = s.wmax
	}
	s.out = append(s.out, p[:n]...)
	return n, nil
}

func (s *memSocket) Close() error {
	s.closed = true
	return nil
}

func (s *memSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
}

// fakeBridge records re-arms and driver swaps. Execute runs tasks inline;
// Dispatch queues until run is called.
type fakeBridge struct {
	readArms   int
	writeArms  int
	dispatched []func()
	events     []string
	current    Driver
}

func (b *fakeBridge) SelectForRead()  { b.readArms++ }
func (b *fakeBridge) SelectForWrite() { b.writeArms++ }
func (b *fakeBridge) Execute(task func()) {
	task()
}
func (b *fakeBridge) Dispatch(fn func()) {
	b.dispatched = append(b.dispatched, fn)
}
func (b *fakeBridge) Delink(d Driver) {
	b.events = append(b.events, "delink")
	b.current = nil
}
func (b *fakeBridge) AddHandler(d Driver) {
	b.events = append(b.events, "add")
	b.current = d
}
func (b *fakeBridge) Name() string { return "test" }

func (b *fakeBridge) run() {
	for len(b.dispatched) > 0 {
		fn := b.dispatched[0]
		b.dispatched = b.dispatched[1:]
		fn()
	}
}

// fakeApp counts handler callbacks. onRead, when set, runs inside
// HandleRead with the channel.
type fakeApp struct {
	accepts  int
	connects int
	reads    int
	writes   int
	closings int
	onRead   func(c Channel)
}

func (a *fakeApp) HandleAccept(c Channel, h Handle)  { a.accepts++ }
func (a *fakeApp) HandleConnect(c Channel, h Handle) { a.connects++ }
func (a *fakeApp) HandleRead(c Channel) {
	a.reads++
	if a.onRead != nil {
		a.onRead(c)
	}
}
func (a *fakeApp) HandleWrite(c Channel) { a.writes++ }
func (a *fakeApp) Closing(c Channel)     { a.closings++ }

// engineStep scripts one Wrap or Unwrap outcome.
type engineStep struct {
	op      string // "wrap" or "unwrap"
	consume int
	produce []byte
	status  Status
	next    HandshakeStatus
	err     error
}

// scriptEngine replays a fixed step list. Unwrap returns underflow without
// consuming a step when fewer than consume bytes are buffered. After
// CloseOutbound the next Wrap emits a single close mark byte.
type scriptEngine struct {
	t          *testing.T
	steps      []engineStep
	hs         HandshakeStatus
	taskNext   HandshakeStatus
	peerClosed bool
	outClosed  bool
	outDone    bool
}

func (e *scriptEngine) BeginHandshake() error { return nil }

func (e *scriptEngine) Wrap(src, dst *Buffer) (Result, error) {
	if e.outClosed {
		if e.outDone {
			return Result{Status: StatusClosed, Handshake: e.hs}, nil
		}
		dst.Put([]byte{closeMark})
		e.outDone = true
		return Result{Status: StatusClosed, Handshake: e.hs, Produced: 1}, nil
	}
	st := e.pop("wrap")
	if st.err != nil {
		return Result{}, st.err
	}
	n := st.consume
	if n > src.Remaining() {
		n = src.Remaining()
	}
	src.Advance(n)
	dst.Put(st.produce)
	e.hs = st.next
	return Result{Status: st.status, Handshake: st.next, Consumed: n, Produced: len(st.produce)}, nil
}

func (e *scriptEngine) Unwrap(src, dst *Buffer) (Result, error) {
	if len(e.steps) == 0 || e.steps[0].op != "unwrap" {
		e.t.Fatalf("unexpected unwrap, steps %v", e.steps)
	}
	st := e.steps[0]
	if src.Remaining() < st.consume {
		return Result{Status: StatusUnderflow, Handshake: e.hs}, nil
	}
	e.steps = e.steps[1:]
	if st.err != nil {
		return Result{}, st.err
	}
	src.Advance(st.consume)
	dst.Put(st.produce)
	e.hs = st.next
	if st.status == StatusClosed {
		e.peerClosed = true
	}
	return Result{Status: st.status, Handshake: st.next, Consumed: st.consume, Produced: len(st.produce)}, nil
}

func (e *scriptEngine) pop(op string) engineStep {
	if len(e.steps) == 0 {
		e.t.Fatalf("unexpected %s, no steps left", op)
	}
	st := e.steps[0]
	if st.op != op {
		e.t.Fatalf("expect %s, actual %s", st.op, op)
	}
	e.steps = e.steps[1:]
	return st
}

func (e *scriptEngine) CloseInbound() error {
	if !e.peerClosed {
		return errors.New("inbound closed before close record")
	}
	return nil
}

func (e *scriptEngine) CloseOutbound() { e.outClosed = true }

func (e *scriptEngine) OutboundDone() bool { return e.outDone }

func (e *scriptEngine) HandshakeStatus() HandshakeStatus { return e.hs }

func (e *scriptEngine) DelegatedTask() func() {
	if e.hs != NeedTask {
		return nil
	}
	return func() { e.hs = e.taskNext }
}

func (e *scriptEngine) PacketBufferSize() int { return 64 }

func newTestSecure(role Role, e Engine, sock Socket, b Bridge, app Handler) *Secure {
	return NewSecure(role, e, sock, b, app, 1, zap.NewNop())
}

// dataSession returns a session past the handshake, in the data phase.
func dataSession(e Engine, sock Socket, b Bridge, app Handler) *Secure {
	s := newTestSecure(Server, e, sock, b, app)
	s.phase = phaseData
	s.connected = true
	return s
}

func TestClientHandshake(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("SH")
	eng := &scriptEngine{
		t:  t,
		hs: NeedWrap,
		steps: []engineStep{
			{op: "wrap", produce: []byte("CH"), status: StatusOK, next: NeedUnwrap},
			{op: "unwrap", consume: 2, status: StatusOK, next: NeedTask},
			{op: "wrap", produce: []byte("FIN"), status: StatusOK, next: Finished},
		},
		taskNext: NeedWrap,
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := newTestSecure(Client, eng, sock, bridge, app)

	s.opened()
	bridge.run() // delegated task continuation

	if !bytes.Equal(sock.out, []byte("CHFIN")) {
		t.Fatalf("expect CHFIN, actual %q", sock.out)
	}
	if app.connects != 1 {
		t.Fatalf("expect 1 connect, actual %d", app.connects)
	}
	if app.accepts != 0 {
		t.Fatalf("expect 0 accepts, actual %d", app.accepts)
	}
	if s.phase != phaseData {
		t.Fatalf("expect data phase, actual %d", s.phase)
	}
	if _, ok := bridge.current.(dataDriver); !ok {
		t.Fatalf("expect data driver, actual %T", bridge.current)
	}
}

func TestServerHandshake(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("CH")
	eng := &scriptEngine{
		t:  t,
		hs: NeedUnwrap,
		steps: []engineStep{
			{op: "unwrap", consume: 2, status: StatusOK, next: NeedWrap},
			{op: "wrap", produce: []byte("SHFIN"), status: StatusOK, next: Finished},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := newTestSecure(Server, eng, sock, bridge, app)

	s.opened()

	if !bytes.Equal(sock.out, []byte("SHFIN")) {
		t.Fatalf("expect SHFIN, actual %q", sock.out)
	}
	if app.accepts != 1 {
		t.Fatalf("expect 1 accept, actual %d", app.accepts)
	}
	if s.phase != phaseData {
		t.Fatalf("expect data phase, actual %d", s.phase)
	}
}

func TestHandshakePartialFlush(t *testing.T) {
	sock := newMemSocket()
	sock.wmax = 1
	eng := &scriptEngine{
		t:  t,
		hs: NeedWrap,
		steps: []engineStep{
			{op: "wrap", produce: []byte("AB"), status: StatusOK, next: NeedUnwrap},
			{op: "unwrap", consume: 2, status: StatusOK, next: Finished},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := newTestSecure(Client, eng, sock, bridge, app)

	s.opened()
	if bridge.writeArms != 1 {
		t.Fatalf("expect 1 write arm, actual %d", bridge.writeArms)
	}
	if !bytes.Equal(sock.out, []byte("A")) {
		t.Fatalf("expect A, actual %q", sock.out)
	}

	// Write readiness drains the flight, then the handshake suspends on
	// a read it cannot satisfy yet.
	hsDriver{s}.Writable()
	if !bytes.Equal(sock.out, []byte("AB")) {
		t.Fatalf("expect AB, actual %q", sock.out)
	}
	if bridge.readArms != 1 {
		t.Fatalf("expect 1 read arm, actual %d", bridge.readArms)
	}

	// The missing bytes arrive and the handshake completes.
	sock.in = []byte("XY")
	hsDriver{s}.Readable()
	if app.connects != 1 {
		t.Fatalf("expect 1 connect, actual %d", app.connects)
	}
}

func TestHandshakeNoClobberPendingFlight(t *testing.T) {
	sock := newMemSocket()
	sock.wmax = 0
	eng := &scriptEngine{
		t:  t,
		hs: NeedWrap,
		steps: []engineStep{
			{op: "wrap", produce: []byte("AB"), status: StatusOK, next: NeedWrap},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := newTestSecure(Client, eng, sock, bridge, app)

	s.opened()
	// The engine still wants a wrap but the first flight has not drained;
	// the driver must suspend rather than overwrite it.
	if len(eng.steps) != 0 {
		t.Fatalf("expect 1 wrap, actual %d steps left", len(eng.steps))
	}
	if s.outEnc.Remaining() != 2 {
		t.Fatalf("expect 2 pending bytes, actual %d", s.outEnc.Remaining())
	}
	if bridge.writeArms == 0 {
		t.Fatalf("expect write arm while flight pending")
	}
}

func TestHandshakeWrapError(t *testing.T) {
	sock := newMemSocket()
	eng := &scriptEngine{
		t:  t,
		hs: NeedWrap,
		steps: []engineStep{
			{op: "wrap", err: errors.New("bad record")},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := newTestSecure(Client, eng, sock, bridge, app)

	s.opened()
	if app.closings != 1 {
		t.Fatalf("expect 1 closing, actual %d", app.closings)
	}
	if !sock.closed {
		t.Fatalf("expect socket closed")
	}
	if app.connects != 0 {
		t.Fatalf("expect 0 connects, actual %d", app.connects)
	}
}

func TestDataRead(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("abc")
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "unwrap", consume: 3, produce: []byte("ABC"), status: StatusOK, next: NotHandshaking},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	var got []byte
	app.onRead = func(c Channel) {
		p := make([]byte, 16)
		n, err := c.Read(p)
		if err != nil {
			t.Fatalf("expect nil, actual %v", err)
		}
		got = append(got, p[:n]...)
	}
	s := dataSession(eng, sock, bridge, app)

	dataDriver{s}.Readable()

	if app.reads != 1 {
		t.Fatalf("expect 1 read, actual %d", app.reads)
	}
	if !bytes.Equal(got, []byte("ABC")) {
		t.Fatalf("expect ABC, actual %q", got)
	}
	// Fully drained, so the socket is re-armed.
	if bridge.readArms != 1 {
		t.Fatalf("expect 1 read arm, actual %d", bridge.readArms)
	}
}

func TestDataReadPartialRecord(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("ab")
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "unwrap", consume: 3, produce: []byte("ABC"), status: StatusOK, next: NotHandshaking},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	app.onRead = func(c Channel) {
		p := make([]byte, 16)
		c.Read(p)
	}
	s := dataSession(eng, sock, bridge, app)

	dataDriver{s}.Readable()
	if app.reads != 0 {
		t.Fatalf("expect 0 reads on partial record, actual %d", app.reads)
	}
	if bridge.readArms != 1 {
		t.Fatalf("expect 1 read arm, actual %d", bridge.readArms)
	}

	// The tail arrives; the buffered prefix and the new byte decrypt as one.
	sock.in = []byte("c")
	dataDriver{s}.Readable()
	if app.reads != 1 {
		t.Fatalf("expect 1 read, actual %d", app.reads)
	}
}

func TestDataReadResidualPlaintext(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("ab")
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "unwrap", consume: 1, produce: []byte("A"), status: StatusOK, next: NotHandshaking},
			{op: "unwrap", consume: 0, status: StatusOverflow, next: NotHandshaking},
			{op: "unwrap", consume: 1, produce: []byte("B"), status: StatusOK, next: NotHandshaking},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	// The application does not drain, so plaintext stays buffered and the
	// socket is not re-armed.
	dataDriver{s}.Readable()
	if app.reads != 1 {
		t.Fatalf("expect 1 read, actual %d", app.reads)
	}
	if bridge.readArms != 0 {
		t.Fatalf("expect 0 read arms, actual %d", bridge.readArms)
	}

	// Re-arming with buffered bytes schedules a pump instead of selecting
	// on the socket.
	app.onRead = func(c Channel) {
		p := make([]byte, 16)
		c.Read(p)
	}
	s.SelectForRead()
	if bridge.readArms != 0 {
		t.Fatalf("expect dispatch, actual %d socket arms", bridge.readArms)
	}
	bridge.run()
	if app.reads != 2 {
		t.Fatalf("expect 2 reads, actual %d", app.reads)
	}
}

func TestDataWrite(t *testing.T) {
	sock := newMemSocket()
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "wrap", consume: 5, produce: []byte("XXXXX"), status: StatusOK, next: NotHandshaking},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	n, err := s.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("expect (5, nil), actual (%d, %v)", n, err)
	}
	if !bytes.Equal(sock.out, []byte("XXXXX")) {
		t.Fatalf("expect XXXXX, actual %q", sock.out)
	}
}

func TestDataWriteShortFlush(t *testing.T) {
	sock := newMemSocket()
	sock.wmax = 2
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "wrap", consume: 5, produce: []byte("XXXXX"), status: StatusOK, next: NotHandshaking},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	n, err := s.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("expect (5, nil), actual (%d, %v)", n, err)
	}
	if bridge.writeArms != 1 {
		t.Fatalf("expect 1 write arm, actual %d", bridge.writeArms)
	}

	// Drain over successive write-readiness turns.
	dataDriver{s}.Writable()
	dataDriver{s}.Writable()
	if !bytes.Equal(sock.out, []byte("XXXXX")) {
		t.Fatalf("expect XXXXX, actual %q", sock.out)
	}
	if app.writes != 1 {
		t.Fatalf("expect 1 write callback, actual %d", app.writes)
	}
}

func TestCloseDeferredWhileDraining(t *testing.T) {
	sock := newMemSocket()
	sock.wmax = 0
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "wrap", consume: 4, produce: []byte("DATA"), status: StatusOK, next: NotHandshaking},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	if n, err := s.Write([]byte("data")); n != 4 || err != nil {
		t.Fatalf("expect (4, nil), actual (%d, %v)", n, err)
	}

	s.Close()
	if app.closings != 0 {
		t.Fatalf("expect shutdown deferred, actual %d closings", app.closings)
	}

	sock.wmax = -1
	dataDriver{s}.Writable()
	if app.closings != 1 {
		t.Fatalf("expect 1 closing, actual %d", app.closings)
	}
	if !bytes.Equal(sock.out, []byte{'D', 'A', 'T', 'A', closeMark}) {
		t.Fatalf("expect data then close record, actual %q", sock.out)
	}
	if !sock.closed {
		t.Fatalf("expect socket closed")
	}

	s.Close()
	if app.closings != 1 {
		t.Fatalf("expect close idempotent, actual %d closings", app.closings)
	}
}

func TestWriteAfterClose(t *testing.T) {
	sock := newMemSocket()
	eng := &scriptEngine{t: t, hs: NotHandshaking}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	s.Close()
	if _, err := s.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("expect ErrClosed, actual %v", err)
	}
	p := make([]byte, 4)
	if _, err := s.Read(p); err != io.EOF {
		t.Fatalf("expect EOF, actual %v", err)
	}
}

func TestDataReadEOF(t *testing.T) {
	sock := newMemSocket()
	sock.eof = true
	eng := &scriptEngine{t: t, hs: NotHandshaking}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	dataDriver{s}.Readable()
	if app.closings != 1 {
		t.Fatalf("expect 1 closing, actual %d", app.closings)
	}
	// The close record still goes out.
	if !bytes.Equal(sock.out, []byte{closeMark}) {
		t.Fatalf("expect close record, actual %q", sock.out)
	}
}

func TestDataPeerCloseRecord(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("c")
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "unwrap", consume: 1, status: StatusClosed, next: NotHandshaking},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	dataDriver{s}.Readable()
	if app.closings != 1 {
		t.Fatalf("expect 1 closing, actual %d", app.closings)
	}
	if !bytes.Equal(sock.out, []byte{closeMark}) {
		t.Fatalf("expect close record reply, actual %q", sock.out)
	}
}

func TestRenegotiation(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("r")
	eng := &scriptEngine{
		t:  t,
		hs: NotHandshaking,
		steps: []engineStep{
			{op: "unwrap", consume: 1, status: StatusOK, next: NeedUnwrap},
			{op: "unwrap", consume: 0, status: StatusOK, next: Finished},
		},
	}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)

	dataDriver{s}.Readable()

	if s.phase != phaseData {
		t.Fatalf("expect data phase after renegotiation, actual %d", s.phase)
	}
	// The connection callback is not repeated.
	if app.accepts != 0 || app.connects != 0 {
		t.Fatalf("expect no repeated callbacks, actual accepts=%d connects=%d", app.accepts, app.connects)
	}
	if _, ok := bridge.current.(dataDriver); !ok {
		t.Fatalf("expect data driver, actual %T", bridge.current)
	}
}

func TestWriteDuringRenegotiation(t *testing.T) {
	sock := newMemSocket()
	eng := &scriptEngine{t: t, hs: NeedUnwrap}
	bridge := &fakeBridge{}
	app := &fakeApp{}
	s := dataSession(eng, sock, bridge, app)
	s.phase = phaseHandshake

	n, err := s.Write([]byte("hello"))
	if n != 0 || err != nil {
		t.Fatalf("expect (0, nil) mid-handshake, actual (%d, %v)", n, err)
	}
}

func TestPlainSession(t *testing.T) {
	sock := newMemSocket()
	sock.in = []byte("hi")
	bridge := &fakeBridge{}
	app := &fakeApp{}
	var got []byte
	app.onRead = func(c Channel) {
		p := make([]byte, 8)
		n, _ := c.Read(p)
		got = append(got, p[:n]...)
	}
	p := NewPlain(Server, sock, bridge, app, 7, zap.NewNop())

	if p.Index() != 7 {
		t.Fatalf("expect index 7, actual %d", p.Index())
	}
	p.Opened()
	if app.accepts != 1 {
		t.Fatalf("expect 1 accept, actual %d", app.accepts)
	}
	p.Readable()
	if !bytes.Equal(got, []byte("hi")) {
		t.Fatalf("expect hi, actual %q", got)
	}
	if n, err := p.Write([]byte("yo")); n != 2 || err != nil {
		t.Fatalf("expect (2, nil), actual (%d, %v)", n, err)
	}
	if !bytes.Equal(sock.out, []byte("yo")) {
		t.Fatalf("expect yo, actual %q", sock.out)
	}

	p.Close()
	if app.closings != 1 || !sock.closed {
		t.Fatalf("expect closed, actual closings=%d socket=%v", app.closings, sock.closed)
	}
	p.Close()
	if app.closings != 1 {
		t.Fatalf("expect close idempotent, actual %d closings", app.closings)
	}
	if _, err := p.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("expect ErrClosed, actual %v", err)
	}
}
