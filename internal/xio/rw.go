package xio

import (
	"io"
	"sync/atomic"
)

// CaptureReaderは、読み出したバイト数を数えるio.Readerです。
//
// ReadBytesは別のゴルーチンから参照できます。
type CaptureReader struct {
	readBytes atomic.Uint64
	io.Reader
}

func NewCaptureReader(rd io.Reader) *CaptureReader {
	return &CaptureReader{
		Reader: rd,
	}
}

func (r *CaptureReader) Read(bs []byte) (int, error) {
	n, err := r.Reader.Read(bs)
	r.readBytes.Add(uint64(n))
	return n, err
}

// ReadBytesは、これまでに読み出したバイト数を返却します。
func (r *CaptureReader) ReadBytes() uint64 {
	return r.readBytes.Load()
}
