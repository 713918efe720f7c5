/*
Package websocket は、 gorilla/websocket を使用したフローパス用のチャネルを提供します。

WebSocketのバイナリメッセージの列を1本のバイトストリームとして扱います。
TCPの直接接続が許可されないネットワークで、フローパスの下位として使用できます。
*/
package websocket

// DefaultPath は、Listener が待ち受けるパスの既定値です。
const DefaultPath = "/msocket"
