package buffer

import (
	"sync"
)

type sendSegment struct {
	start uint64
	data  []byte
}

func (s *sendSegment) end() uint64 {
	return s.start + uint64(len(s.data))
}

// SendBuffer は、送信済みで未確認応答のバイト列を保持するログです。
//
// Append 1回につき1セグメントを保持し、確認応答によってセグメント単位で解放します。
// 並行利用に対して安全です。
type SendBuffer struct {
	mu       sync.Mutex
	segments []*sendSegment
	baseSeq  uint64
	sendSeq  uint64
	retained uint64
	maxSize  uint64
}

// NewSendBuffer は、保持バイト数の上限をmaxSizeとする SendBuffer を返却します。
func NewSendBuffer(maxSize uint64) *SendBuffer {
	return &SendBuffer{maxSize: maxSize}
}

// Append は、pをログの末尾に追加します。
//
// 追加すると保持バイト数が上限を超える場合は何も変更せずにfalseを返却します。
func (b *SendBuffer) Append(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retained+uint64(len(p)) > b.maxSize {
		return false
	}
	data := make([]byte, len(p))
	copy(data, p)
	b.segments = append(b.segments, &sendSegment{start: b.sendSeq, data: data})
	b.sendSeq += uint64(len(p))
	b.retained += uint64(len(p))
	return true
}

// Ack は、baseSeqをnewBaseまで進めます。
//
// baseSeq < newBase <= sendSeq の場合のみ進め、trueを返却します。
// 解放されるのはnewBaseより完全に手前にあるセグメントのみです。
func (b *SendBuffer) Ack(newBase uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if newBase <= b.baseSeq || newBase > b.sendSeq {
		return false
	}
	b.baseSeq = newBase

	var i int
	for ; i < len(b.segments); i++ {
		seg := b.segments[i]
		if seg.end() > newBase {
			break
		}
		b.retained -= uint64(len(seg.data))
		b.segments[i] = nil
	}
	b.segments = b.segments[i:]
	return true
}

// Extract は、[start, end) のバイト列のコピーを返却します。
//
// startはbaseSeqに、endはsendSeqに丸められます。範囲が空の場合はnilを返却します。
func (b *SendBuffer) Extract(start, end uint64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if start < b.baseSeq {
		start = b.baseSeq
	}
	if end > b.sendSeq {
		end = b.sendSeq
	}
	if start >= end {
		return nil
	}

	res := make([]byte, 0, end-start)
	for _, seg := range b.segments {
		if seg.end() <= start {
			continue
		}
		if seg.start >= end {
			break
		}
		from := uint64(0)
		if start > seg.start {
			from = start - seg.start
		}
		to := uint64(len(seg.data))
		if end < seg.end() {
			to = end - seg.start
		}
		res = append(res, seg.data[from:to]...)
	}
	return res
}

// Unacked は、未確認応答の範囲 [baseSeq, sendSeq) を返却します。
func (b *SendBuffer) Unacked() (start, end uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseSeq, b.sendSeq
}

// BaseSeq は、確認応答されていない最も古いバイトのシーケンス番号を返却します。
func (b *SendBuffer) BaseSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseSeq
}

// SendSeq は、次に追加されるバイトのシーケンス番号を返却します。
func (b *SendBuffer) SendSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendSeq
}

// Len は、物理的に保持しているバイト数を返却します。
func (b *SendBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.retained)
}

// Reset は、保持しているすべてのセグメントを解放します。シーケンス番号は変更しません。
func (b *SendBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = nil
	b.retained = 0
}
