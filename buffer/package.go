// Package buffer は、論理ストリームの送信バッファと受信バッファを提供します。
//
// どちらのバッファも絶対シーケンス番号（ストリーム先頭からのバイトオフセット）で管理されます。
package buffer
