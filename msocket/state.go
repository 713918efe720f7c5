package msocket

import (
	"context"
	"sync"
)

type phase uint8

const (
	phaseAllReady phase = iota
	phaseReadWrite
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseAllReady:
		return "AllReady"
	case phaseReadWrite:
		return "ReadWrite"
	case phaseClosed:
		return "Closed"
	}
	return "Unknown"
}

// phaseStateは、バッファを変更する権利（ReadWriteトークン）を管理します。
//
// ReadWriteを獲得したゴルーチンだけがReceiveBufferへの挿入やフローパスの付け替えを行えます。
type phaseState struct {
	*sync.RWMutex
	cond    *sync.Cond
	current phase
}

func newPhaseState() *phaseState {
	var mu sync.RWMutex
	return &phaseState{
		RWMutex: &mu,
		cond:    sync.NewCond(&mu),
	}
}

func (e *phaseState) Current() phase {
	e.RLock()
	defer e.RUnlock()
	return e.current
}

// EnterReadWriteは、ReadWriteトークンの獲得を試みます。
//
// 他のゴルーチンがトークンを保持している場合、blockingがtrueなら解放されるまで待機し、falseなら失敗します。
// Closedの場合は常に失敗します。
func (e *phaseState) EnterReadWrite(blocking bool) bool {
	e.Lock()
	defer e.Unlock()
	for {
		switch e.current {
		case phaseAllReady:
			e.current = phaseReadWrite
			return true
		case phaseClosed:
			return false
		}
		if !blocking {
			return false
		}
		e.cond.Wait()
	}
}

// Releaseは、ReadWriteトークンを解放します。Closedの場合は何もしません。
func (e *phaseState) Release() {
	e.Lock()
	defer e.Unlock()
	if e.current != phaseReadWrite {
		return
	}
	e.current = phaseAllReady
	e.cond.Broadcast()
}

// ForceClosedは、無条件にClosedへ遷移させます。Closedから他の状態へは戻りません。
func (e *phaseState) ForceClosed() (old phase) {
	e.Lock()
	defer e.Unlock()
	old = e.current
	e.current = phaseClosed
	e.cond.Broadcast()
	return old
}

func (e *phaseState) IsClosed() bool {
	return e.Current() == phaseClosed
}

// WaitUntilは、状態がpになるかctxが終了するまで待機します。
func (e *phaseState) WaitUntil(ctx context.Context, p phase) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		e.Lock()
		e.cond.Broadcast()
		e.Unlock()
	}()

	e.Lock()
	defer e.Unlock()
	for p != e.current {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.cond.Wait()
	}
	return nil
}
