package buffer_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/aptpod/msocket-go/buffer"
)

func TestSendBuffer_Append(t *testing.T) {
	b := NewSendBuffer(10)
	require.True(t, b.Append([]byte("hello")))
	require.True(t, b.Append([]byte("world")))
	assert.False(t, b.Append([]byte("!")), "上限を超える追加は失敗する")
	assert.EqualValues(t, 10, b.SendSeq())
	assert.Equal(t, 10, b.Len())
	assert.Equal(t, 2, b.Segments())

	require.True(t, b.Ack(5))
	assert.True(t, b.Append([]byte("!")), "解放後は追加できる")
	assert.EqualValues(t, 11, b.SendSeq())
}

func TestSendBuffer_Ack(t *testing.T) {
	tests := []struct {
		name       string
		acks       []uint64
		wantOK     []bool
		wantBase   uint64
		wantLen    int
		wantSegNum int
	}{
		{
			name:       "セグメントの途中までの確認応答では解放しない",
			acks:       []uint64{3},
			wantOK:     []bool{true},
			wantBase:   3,
			wantLen:    12,
			wantSegNum: 3,
		},
		{
			name:       "セグメント境界までの確認応答で解放する",
			acks:       []uint64{4, 8},
			wantOK:     []bool{true, true},
			wantBase:   8,
			wantLen:    4,
			wantSegNum: 1,
		},
		{
			name:       "後退する確認応答は無視する",
			acks:       []uint64{8, 4},
			wantOK:     []bool{true, false},
			wantBase:   8,
			wantLen:    4,
			wantSegNum: 1,
		},
		{
			name:       "sendSeqを超える確認応答は無視する",
			acks:       []uint64{13},
			wantOK:     []bool{false},
			wantBase:   0,
			wantLen:    12,
			wantSegNum: 3,
		},
		{
			name:       "すべて確認応答する",
			acks:       []uint64{12},
			wantOK:     []bool{true},
			wantBase:   12,
			wantLen:    0,
			wantSegNum: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSendBuffer(1 << 10)
			for _, p := range []string{"abcd", "efgh", "ijkl"} {
				require.True(t, b.Append([]byte(p)))
			}
			for i, ack := range tt.acks {
				assert.Equal(t, tt.wantOK[i], b.Ack(ack))
			}
			assert.Equal(t, tt.wantBase, b.BaseSeq())
			assert.Equal(t, tt.wantLen, b.Len())
			assert.Equal(t, tt.wantSegNum, b.Segments())
		})
	}
}

func TestSendBuffer_DuplicateAck(t *testing.T) {
	b := NewSendBuffer(1 << 10)
	require.True(t, b.Append(make([]byte, 100)))
	require.True(t, b.Append(make([]byte, 50)))

	assert.True(t, b.Ack(100))
	lenAfterFirst := b.Len()
	assert.False(t, b.Ack(100), "同じ確認応答は二度適用されない")
	assert.EqualValues(t, 100, b.BaseSeq())
	assert.Equal(t, lenAfterFirst, b.Len())
	assert.Equal(t, 50, b.Len())
}

func TestSendBuffer_Extract(t *testing.T) {
	b := NewSendBuffer(1 << 10)
	for _, p := range []string{"abcd", "efgh", "ijkl"} {
		require.True(t, b.Append([]byte(p)))
	}
	require.True(t, b.Ack(2))

	tests := []struct {
		name       string
		start, end uint64
		want       []byte
	}{
		{name: "セグメントをまたぐ", start: 3, end: 10, want: []byte("defghij")},
		{name: "baseSeqより手前は丸める", start: 0, end: 5, want: []byte("cde")},
		{name: "sendSeqより後ろは丸める", start: 10, end: 100, want: []byte("kl")},
		{name: "空の範囲", start: 7, end: 7, want: nil},
		{name: "確認応答済みのみ", start: 0, end: 2, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Extract(tt.start, tt.end))
		})
	}
}

func TestSendBuffer_Monotonic(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	b := NewSendBuffer(1 << 16)
	var lastBase uint64
	for i := 0; i < 5000; i++ {
		if r.Intn(2) == 0 {
			b.Append(make([]byte, r.Intn(200)+1))
		} else {
			b.Ack(uint64(r.Int63n(int64(b.SendSeq()) + 10)))
		}
		base, send := b.Unacked()
		require.GreaterOrEqual(t, base, lastBase)
		require.LessOrEqual(t, base, send)
		lastBase = base
	}
}

func TestSendBuffer_Concurrent(t *testing.T) {
	b := NewSendBuffer(1 << 20)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Append([]byte("0123456789"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Ack(b.SendSeq())
			_, end := b.Unacked()
			b.Extract(0, end)
		}
	}()
	wg.Wait()
	assert.EqualValues(t, 10000, b.SendSeq())
	b.Reset()
	assert.Equal(t, 0, b.Len())
}
