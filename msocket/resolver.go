package msocket

import (
	"context"
)

//go:generate mockgen -destination ./${GOPACKAGE}mock/${GOFILE} -package ${GOPACKAGE}mock -source ./${GOFILE}

// Resolverは、エイリアスから接続先アドレス（host:port）を解決するインターフェースです。
//
// マイグレーションで接続先が指定されなかった場合に使用します。
type Resolver interface {
	Resolve(ctx context.Context, alias string) (string, error)
}

// StaticResolverは、固定のアドレスを返却する Resolver です。
type StaticResolver string

// ResolveはResolverを実装します。
func (r StaticResolver) Resolve(ctx context.Context, alias string) (string, error) {
	return string(r), nil
}
