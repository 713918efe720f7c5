package ch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	. "github.com/aptpod/msocket-go/internal/ch"
)

func TestReadOrDone(t *testing.T) {
	t.Run("入力が閉じられると出力も閉じる", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		in := make(chan int, 3)
		in <- 1
		in <- 2
		in <- 3
		close(in)

		var got []int
		for v := range ReadOrDone(context.Background(), in) {
			got = append(got, v)
		}
		assert.Equal(t, []int{1, 2, 3}, got)
	})
	t.Run("キャンセルで出力が閉じる", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		ctx, cancel := context.WithCancel(context.Background())
		out := ReadOrDone(ctx, make(chan int))
		cancel()
		_, ok := <-out
		assert.False(t, ok)
	})
}

func TestWriteOrDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, WriteOrDone(ctx, 1, make(chan int)))

	c := make(chan int, 1)
	assert.True(t, WriteOrDone(context.Background(), 1, c))
	assert.Equal(t, 1, <-c)
}
