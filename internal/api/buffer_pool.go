package api

import (
	"bytes"
	"sync"
)

// Request bodies carry the whole conversation so far and grow turn by turn.
// Buffers above maxPooledBody are left to the GC.
const maxPooledBody = 64 << 10

var bodies = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func getBuffer() *bytes.Buffer {
	buf := bodies.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledBody {
		bodies.Put(buf)
	}
}
