package log

import "context"

// nopLoggerは、Config.Logger を省略した場合に使用されます。
type nopLogger struct{}

var _ Logger = nopLogger{}

func (nopLogger) Infof(context.Context, string, ...any)  {}
func (nopLogger) Warnf(context.Context, string, ...any)  {}
func (nopLogger) Errorf(context.Context, string, ...any) {}
func (nopLogger) Debugf(context.Context, string, ...any) {}

// NewNopは、何も出力しないロガーを返却します。
func NewNop() Logger {
	return nopLogger{}
}
