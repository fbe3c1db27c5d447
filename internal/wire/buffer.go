package wire

// Buffer is the message-buffer value type of spec.md §3: a byte
// sequence supporting cheap prefix insertion (framing headers) and
// suffix insertion (E2E/SecOC trailers) without forcing callers to
// reallocate and copy the whole message on every layer.
//
// The zero value is an empty buffer ready to use.
type Buffer struct {
	data   []byte
	prefix int // bytes of spare capacity reserved before data[0]
}

// NewBuffer wraps an existing slice, reserving headroom bytes of spare
// prefix capacity for later Prepend calls.
func NewBuffer(payload []byte, headroom int) *Buffer {
	buf := make([]byte, headroom+len(payload))
	copy(buf[headroom:], payload)
	return &Buffer{data: buf, prefix: headroom}
}

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data[b.prefix:]
}

// Len returns the number of live bytes (excluding reserved headroom).
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Prepend inserts header in front of the current contents, reusing
// reserved headroom when available and falling back to a fresh
// allocation otherwise.
func (b *Buffer) Prepend(header []byte) {
	if b.prefix >= len(header) {
		b.prefix -= len(header)
		copy(b.data[b.prefix:], header)
		return
	}
	grown := make([]byte, len(header)+b.Len())
	copy(grown, header)
	copy(grown[len(header):], b.Bytes())
	b.data = grown
	b.prefix = 0
}

// Append adds trailer bytes (an E2E or SecOC trailer) after the
// current contents.
func (b *Buffer) Append(trailer []byte) {
	b.data = append(b.data[:b.prefix+b.Len()], trailer...)
}
