package wire

import (
	"sync/atomic"
)

// IDGeneratorは、フローパスIDのジェネレータです。
type IDGenerator struct {
	currentValue atomic.Int32
}

// NewIDGeneratorは、ジェネレータを返却します。
//
// initialには、 `Next` で最初に返却する値を指定します。
func NewIDGenerator(initial int32) *IDGenerator {
	g := &IDGenerator{}
	g.currentValue.Store(initial)
	return g
}

// Nextは、次の値を返却します。
func (g *IDGenerator) Next() int32 {
	return g.currentValue.Add(1) - 1
}

// Observeは、外部で採番された値を観測し、以降 `Next` がその値より大きい値を返すようにします。
func (g *IDGenerator) Observe(v int32) {
	for {
		cur := g.currentValue.Load()
		if cur > v {
			return
		}
		if g.currentValue.CompareAndSwap(cur, v+1) {
			return
		}
	}
}
