package session

import (
	"bufio"
	"io"
	"sync"
)

// Readers and writers of the default size are recycled across sessions.
// Other sizes are allocated per session.
var (
	readerPool = sync.Pool{
		New: func() interface{} {
			return bufio.NewReaderSize(nil, DefaultBufferSize)
		},
	}

	writerPool = sync.Pool{
		New: func() interface{} {
			return bufio.NewWriterSize(nil, DefaultBufferSize)
		},
	}
)

func getReader(r io.Reader, size int) *bufio.Reader {
	if size != DefaultBufferSize {
		return bufio.NewReaderSize(r, size)
	}
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

func putReader(br *bufio.Reader) {
	if br == nil || br.Size() != DefaultBufferSize {
		return
	}
	br.Reset(nil)
	readerPool.Put(br)
}

func getWriter(w io.Writer, size int) *bufio.Writer {
	if size != DefaultBufferSize {
		return bufio.NewWriterSize(w, size)
	}
	bw := writerPool.Get().(*bufio.Writer)
	bw.Reset(w)
	return bw
}

func putWriter(bw *bufio.Writer) {
	if bw == nil || bw.Size() != DefaultBufferSize {
		return
	}
	bw.Reset(nil)
	writerPool.Put(bw)
}
