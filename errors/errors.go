package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMSocketはmsocketライブラリで定義されている基底エラーです。
	ErrMSocket = errors.New("msocket")
	// ErrConnectionClosedは、論理コネクションが閉じられている状態で読み書きをした場合のエラーです。
	ErrConnectionClosed = fmt.Errorf("closed msocket connection: %w", ErrMSocket)
	// ErrSendBufferFullは、送信バッファの上限を超える書き込みをした場合のエラーです。
	//
	// データは失われていないため、呼び出し側は後で再試行できます。
	ErrSendBufferFull = fmt.Errorf("send buffer is full: %w", ErrMSocket)
	// ErrNoActiveFlowpathは、利用可能なフローパスが存在しない場合のエラーです。
	ErrNoActiveFlowpath = fmt.Errorf("no active flowpath: %w", ErrMSocket)
	// ErrMalformedMessageは、メッセージのエンコードやデコードに失敗した時のエラーです。
	ErrMalformedMessage = fmt.Errorf("malformed message: %w", ErrMSocket)
	// ErrMessageTooLargeは、メッセージが大きすぎる場合のエラーです。
	ErrMessageTooLarge = fmt.Errorf("message is too large: %w", ErrMalformedMessage)
	// ErrMigrationResetは、マイグレーション要求が相手側に拒否された場合のエラーです。
	//
	// シーケンスの連続性が保証できないため、コネクションは強制的に閉じられます。
	ErrMigrationReset = fmt.Errorf("migration reset by peer: %w", ErrMSocket)
	// ErrMigrationTimeoutは、マイグレーションが制限時間内に完了しなかった場合のエラーです。
	ErrMigrationTimeout = fmt.Errorf("migration timed out: %w", ErrMSocket)
	// ErrUnknownConnectionは、コネクションIDに対応するコネクションが存在しない場合のエラーです。
	ErrUnknownConnection = fmt.Errorf("unknown connection: %w", ErrMSocket)
	// ErrHandshakeFailedは、コネクション確立時のハンドシェイクに失敗した場合のエラーです。
	ErrHandshakeFailed = fmt.Errorf("handshake failed: %w", ErrMSocket)
	// ErrControlTimeoutは、UDP制御メッセージが再送上限までに確認応答されなかった場合のエラーです。
	ErrControlTimeout = fmt.Errorf("control message not acknowledged: %w", ErrMSocket)
)

// FlowpathErrorは、個別のフローパスで発生したI/Oエラーです。
//
// 他に利用可能なフローパスがある限り、このエラーはアプリケーションへ伝搬しません。
type FlowpathError struct {
	FlowpathID int32  // フローパスID
	Op         string // 失敗した操作
	Err        error  // 原因
}

func (e *FlowpathError) Error() string {
	return fmt.Sprintf("flowpath %d: %s: %v", e.FlowpathID, e.Op, e.Err)
}

func (e *FlowpathError) Unwrap() error {
	return e.Err
}

func (e *FlowpathError) Is(err error) bool {
	return err == ErrMSocket
}

// SetupRejectedErrorは、セットアップ制御メッセージに想定外の応答が返された場合のエラーです。
type SetupRejectedError struct {
	Type int32 // 受信したメッセージ種別
}

func (e SetupRejectedError) Error() string {
	return fmt.Sprintf("setup rejected: unexpected message type %d", e.Type)
}

func (e SetupRejectedError) Is(err error) bool {
	return err == ErrMSocket || err == ErrHandshakeFailed
}

func AsFlowpathError(err error) (*FlowpathError, bool) {
	var res *FlowpathError
	ok := As(err, &res)
	return res, ok
}

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}
