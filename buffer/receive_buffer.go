package buffer

import (
	"github.com/google/btree"
)

type chunk struct {
	start uint64
	data  []byte
}

func (c *chunk) end() uint64 {
	return c.start + uint64(len(c.data))
}

func chunkLess(a, b *chunk) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.end() < b.end()
}

// ReceiveBuffer は、順不同に到着したチャンクを保持し、連続した先頭部分をアプリケーションへ渡します。
//
// 並行利用に対して安全ではありません。所有者が排他制御を行う必要があります。
type ReceiveBuffer struct {
	tr           *btree.BTreeG[*chunk]
	deliveredSeq uint64
	size         int
}

// NewReceiveBuffer は、空の ReceiveBuffer を返却します。
func NewReceiveBuffer() *ReceiveBuffer {
	return &ReceiveBuffer{
		tr: btree.NewG(4, chunkLess),
	}
}

// DeliveredSeq は、アプリケーションが次に受け取るバイトのシーケンス番号を返却します。
func (b *ReceiveBuffer) DeliveredSeq() uint64 {
	return b.deliveredSeq
}

// IsInOrder は、[start, start+n) がdeliveredSeqを含むかどうかを返却します。
func (b *ReceiveBuffer) IsInOrder(start uint64, n int) bool {
	return start <= b.deliveredSeq && b.deliveredSeq < start+uint64(n)
}

// Insert は、startから始まるdataのコピーを保持します。
//
// チャンク全体がdeliveredSeqより手前にある場合は保持せずにfalseを返却します。
// 同じ範囲のチャンクは置き換えられます。
func (b *ReceiveBuffer) Insert(start uint64, data []byte) bool {
	if len(data) == 0 || start+uint64(len(data)) <= b.deliveredSeq {
		return false
	}
	c := &chunk{start: start, data: make([]byte, len(data))}
	copy(c.data, data)
	if old, ok := b.tr.ReplaceOrInsert(c); ok {
		b.size -= len(old.data)
	}
	b.size += len(c.data)
	return true
}

// Deliver は、deliveredSeqから連続したバイト列をdstへコピーし、コピーしたバイト数を返却します。
//
// 最初の欠落か、dstが一杯になった時点で停止します。
func (b *ReceiveBuffer) Deliver(dst []byte) int {
	var n int
	for n < len(dst) {
		c, ok := b.tr.Min()
		if !ok {
			break
		}
		if c.end() <= b.deliveredSeq {
			b.deleteMin()
			continue
		}
		if c.start > b.deliveredSeq {
			break
		}
		k := copy(dst[n:], c.data[b.deliveredSeq-c.start:])
		n += k
		b.deliveredSeq += uint64(k)
		if b.deliveredSeq >= c.end() {
			b.deleteMin()
		}
	}
	if n > 0 {
		b.purge()
	}
	return n
}

// CopyInOrder は、startから始まるdataのうち順序どおりの部分をdstへ直接コピーし、
// 残りを保持します。コピーしたバイト数を返却します。
//
// IsInOrder(start, len(data)) がtrueであることを前提とします。
func (b *ReceiveBuffer) CopyInOrder(dst []byte, start uint64, data []byte) int {
	if !b.IsInOrder(start, len(data)) {
		b.Insert(start, data)
		return 0
	}
	off := b.deliveredSeq - start
	k := copy(dst, data[off:])
	b.deliveredSeq += uint64(k)
	if rest := off + uint64(k); rest < uint64(len(data)) {
		b.Insert(start+rest, data[rest:])
	}
	b.purge()
	return k
}

// Frontier は、deliveredSeqから途切れずに受信済みの範囲の終端を返却します。
func (b *ReceiveBuffer) Frontier() uint64 {
	f := b.deliveredSeq
	b.tr.Ascend(func(c *chunk) bool {
		if c.start > f {
			return false
		}
		if c.end() > f {
			f = c.end()
		}
		return true
	})
	return f
}

// Readable は、Deliver で即座に受け取れるバイト数を返却します。
func (b *ReceiveBuffer) Readable() int {
	return int(b.Frontier() - b.deliveredSeq)
}

// Len は、保持しているバイト数を返却します。重複する範囲はそれぞれ数えます。
func (b *ReceiveBuffer) Len() int {
	return b.size
}

// Chunks は、保持しているチャンク数を返却します。
func (b *ReceiveBuffer) Chunks() int {
	return b.tr.Len()
}

// Reset は、保持しているすべてのチャンクを解放します。
func (b *ReceiveBuffer) Reset() {
	b.tr.Clear(false)
	b.size = 0
}

// purgeは、deliveredSeqより手前で完結しているチャンクを削除します。
//
// 開始位置の小さいチャンクに包含されたチャンクは先頭以外にも残るため、開始位置がdeliveredSeq以下の範囲を走査します。
func (b *ReceiveBuffer) purge() {
	var stale []*chunk
	b.tr.Ascend(func(c *chunk) bool {
		if c.start >= b.deliveredSeq {
			return false
		}
		if c.end() <= b.deliveredSeq {
			stale = append(stale, c)
		}
		return true
	})
	for _, c := range stale {
		if _, ok := b.tr.Delete(c); ok {
			b.size -= len(c.data)
		}
	}
}

func (b *ReceiveBuffer) deleteMin() {
	if c, ok := b.tr.DeleteMin(); ok {
		b.size -= len(c.data)
	}
}
