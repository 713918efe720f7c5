// Package metrics は、チャネルのRTTや輻輳ウィンドウを取得する MetricsProvider を提供します。
//
// Linuxでは TCPInfoProvider がカーネルの TCP_INFO を定期的に取得します。
// それ以外の環境やTCP以外のチャネルでは、既定値を返す noop 実装を使用します。
//
// 取得したRTTは、フローパスの候補情報としてスケジューラに渡されます。
package metrics
