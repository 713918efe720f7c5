// Package ch は、コンテキストのキャンセルを考慮したチャネル操作のヘルパーです。
package ch

import "context"

// WriteOrDoneは、vをcへ送信します。送信前にctxがキャンセルされた場合は破棄します。
func WriteOrDone[T any](ctx context.Context, v T, c chan<- T) bool {
	select {
	case c <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReadOrDoneは、cから受信した値を転送するチャネルを返却します。
//
// 返却したチャネルは、ctxのキャンセルかcのクローズで閉じられます。
func ReadOrDone[T any](ctx context.Context, c <-chan T) <-chan T {
	resCh := make(chan T)
	go func() {
		defer close(resCh)
		for {
			v, ok := ReadOrDoneOne(ctx, c)
			if !ok {
				return
			}
			if !WriteOrDone(ctx, v, resCh) {
				return
			}
		}
	}()
	return resCh
}

// ReadOrDoneOneは、cから1つ受信します。ctxがキャンセルされた場合とcが閉じられた場合はfalseを返却します。
func ReadOrDoneOne[T any](ctx context.Context, c <-chan T) (T, bool) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case v, ok := <-c:
		if !ok {
			return zero, false
		}
		return v, true
	}
}
