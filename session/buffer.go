package session

// Buffer is a fixed-capacity byte region with a position and a limit, used
// to shuttle bytes between the socket and the cipher engine.
//
// A buffer is in fill mode (bytes written at the position, up to the limit)
// or drain mode (bytes read from the position, up to the limit). Flip
// switches fill to drain. Compact moves unread bytes to the front and
// returns to fill mode.
type Buffer struct {
	data []byte
	pos  int
	lim  int
}

// NewBuffer creates a buffer of capacity n, in fill mode.
func NewBuffer(n int) *Buffer {
	return &Buffer{data: make([]byte, n), lim: n}
}

// BufferOf wraps p in a buffer ready to drain, without copying.
// It is how application plaintext is handed to Engine.Wrap.
func BufferOf(p []byte) *Buffer {
	return &Buffer{data: p, lim: len(p)}
}

// Window returns the active region: writable space in fill mode, unread
// bytes in drain mode. The slice aliases the buffer contents.
func (b *Buffer) Window() []byte {
	return b.data[b.pos:b.lim]
}

// Advance moves the position forward after n bytes were written into or
// read out of the window.
func (b *Buffer) Advance(n int) {
	b.pos += n
}

// Flip switches the buffer from fill mode to drain mode.
func (b *Buffer) Flip() {
	b.lim = b.pos
	b.pos = 0
}

// Clear resets the buffer to empty fill mode, discarding contents.
func (b *Buffer) Clear() {
	b.pos = 0
	b.lim = len(b.data)
}

// Compact moves unread bytes to the front and switches to fill mode.
func (b *Buffer) Compact() {
	n := copy(b.data, b.data[b.pos:b.lim])
	b.pos = n
	b.lim = len(b.data)
}

// Discard empties a drain-mode buffer by moving the position to the limit.
// Used to suppress further flush attempts after a socket write error.
func (b *Buffer) Discard() {
	b.pos = b.lim
}

// Remaining returns the size of the active window.
func (b *Buffer) Remaining() int {
	return b.lim - b.pos
}

// HasRemaining reports whether the active window is non-empty.
func (b *Buffer) HasRemaining() bool {
	return b.lim > b.pos
}

// Filled returns the number of bytes accumulated so far in fill mode.
func (b *Buffer) Filled() int {
	return b.pos
}

// Capacity returns the total buffer capacity.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Put copies as much of p as fits into the window and advances the
// position. It returns the number of bytes copied.
func (b *Buffer) Put(p []byte) int {
	n := copy(b.Window(), p)
	b.pos += n
	return n
}

// Get copies up to len(p) bytes out of the window into p and advances the
// position. It returns the number of bytes copied.
func (b *Buffer) Get(p []byte) int {
	n := copy(p, b.Window())
	b.pos += n
	return n
}
