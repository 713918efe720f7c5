package log

import (
	"context"
	"fmt"
	"math/rand"
)

// Loggerは、msocket-go内で使用するロガーインターフェースです。
type Logger interface {
	Infof(context.Context, string, ...interface{})
	Warnf(context.Context, string, ...interface{})
	Errorf(context.Context, string, ...interface{})
	Debugf(context.Context, string, ...interface{})
}

type trackKey struct{ name string }

var (
	trackConnIDKey     = &trackKey{"conn"}
	trackFlowpathIDKey = &trackKey{"flowpath"}
)

// WithTrackConnIDは、新たにコネクション追跡IDを採番しコンテキストにセットします。
//
// 追跡IDは論理コネクションが確立されたタイミングでセットします。
// ここで設定された追跡IDは常にログ出力します。
func WithTrackConnID(ctx context.Context) context.Context {
	return context.WithValue(ctx, trackConnIDKey, genTrackID())
}

// TrackConnIDは、コンテキストにセットされたコネクション追跡IDを取得します。
func TrackConnID(ctx context.Context) string {
	v, ok := ctx.Value(trackConnIDKey).(string)
	if !ok {
		return ""
	}
	return v
}

// WithTrackFlowpathIDは、フローパスIDをコンテキストにセットします。
//
// フローパスごとの読み書きループで使用します。
func WithTrackFlowpathID(ctx context.Context, id int32) context.Context {
	return context.WithValue(ctx, trackFlowpathIDKey, fmt.Sprintf("%d", id))
}

// TrackFlowpathIDは、コンテキストにセットされたフローパスIDを取得します。
func TrackFlowpathID(ctx context.Context) string {
	v, ok := ctx.Value(trackFlowpathIDKey).(string)
	if !ok {
		return ""
	}
	return v
}

func genTrackID() string {
	return fmt.Sprintf("%04d-%04d-%04d", rand.Int31n(10000), rand.Int31n(10000), rand.Int31n(10000))
}
