/*
Package msocketは、複数のTCP接続（フローパス）を束ねて1本の信頼性のあるバイトストリームを提供する
msocketのGo実装です。実装は msocket パッケージにあります。

フローパスは、ストリームを使用したまま追加、削除、マイグレーション（別のアドレスやNICへの付け替え）ができます。
アプリケーションから見て、データの欠落や重複は発生しません。

# Echo Server

	package main

	import (
		"context"
		"io"
		"log"

		"github.com/aptpod/msocket-go/msocket"
	)

	func main() {
		ctx := context.Background()
		ln, err := msocket.Listen(ctx, "0.0.0.0:9000")
		if err != nil {
			log.Fatal(err)
		}
		defer ln.Close()

		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}

# Echo Client

1本目のフローパスで論理コネクションを確立した後、AddFlowpath でフローパスを追加します。
書き込んだバイト列はセレクターに従ってチャンク単位で各フローパスへ分散されます。

	package main

	import (
		"context"
		"io"
		"log"

		"github.com/aptpod/msocket-go/msocket"
	)

	func main() {
		ctx := context.Background()
		conn, err := msocket.Dial(ctx, "127.0.0.1:9000", msocket.WithSelector("rtt-weighted"))
		if err != nil {
			log.Fatal(err)
		}
		defer conn.Close()

		if _, err := conn.AddFlowpath(ctx, "127.0.0.1:9000"); err != nil {
			log.Fatal(err)
		}
		if _, err := conn.Write([]byte("hello")); err != nil {
			log.Fatal(err)
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			log.Fatal(err)
		}
		log.Printf("echo: %s", buf)

		// フローパス0を同じアドレスへ付け替えます。未確認のデータは新しいチャネルで再送されます。
		if err := conn.MigrateFlowpath(ctx, 0, ""); err != nil {
			log.Fatal(err)
		}
	}

# Configuration

設定はオプション関数で指定するほか、YAMLファイルから読み込めます。

	fc, err := msocket.LoadConfigFile("msocket.yaml")
	if err != nil {
		log.Fatal(err)
	}
	conn, err := msocket.Dial(ctx, address, fc.Options()...)
*/
package msocket
