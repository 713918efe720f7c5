package msocket

import (
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/log"
	"github.com/aptpod/msocket-go/scheduler"
	"github.com/aptpod/msocket-go/transport"
	"github.com/aptpod/msocket-go/transport/nic"
	"github.com/aptpod/msocket-go/udpctl"
	"github.com/aptpod/msocket-go/wire"
)

const (
	defaultChunkSize         = 1000
	defaultMaxSendBufferSize = uint64(30 * wire.MiB)
	defaultMigrationTimeout  = 5 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepAliveInterval = 5 * time.Second
	defaultMaxDupAck         = 5
	defaultMaxQueuedChunks   = 64
	defaultCloseTimeout      = 10 * time.Second

	keepAliveTimeoutFactor  = 3
	finishedThresholdChunks = 5
)

var defaultConfig = Config{
	ChunkSize:         defaultChunkSize,
	MaxSendBufferSize: defaultMaxSendBufferSize,
	MigrationTimeout:  defaultMigrationTimeout,
	HandshakeTimeout:  defaultHandshakeTimeout,
	KeepAliveInterval: defaultKeepAliveInterval,
	KeepAliveTimeout:  0,
	FinishedThreshold: 0,
	MaxDupAck:         defaultMaxDupAck,
	MaxQueuedChunks:   defaultMaxQueuedChunks,
	CloseTimeout:      defaultCloseTimeout,
	SelectorName:      "round-robin",
	Logger:            log.NewNop(),
	AutoMigrate:       true,

	// 状態を持つものはnilをデフォルトとする。
	Metrics:           nil,
	KeepAliveRegistry: nil,
	UDPController:     nil,
	Resolver:          nil,
	Dialer:            nil,
	NICManager:        nil,
	FailureHandler:    nil,
}

// Configは、論理コネクションの設定です。
//
// Dial と Listen の両方で使用します。
type Config struct {
	// 1つのDATAメッセージに載せるペイロードの最大バイト数
	ChunkSize int

	// 送信バッファに保持できる確認応答前のバイト数の上限
	//
	// 上限を超える書き込みは errors.ErrSendBufferFull で失敗します。
	MaxSendBufferSize uint64

	// マイグレーションの制限時間
	MigrationTimeout time.Duration

	// コネクション確立とフローパス追加の制限時間
	HandshakeTimeout time.Duration

	// キープアライブを送信する間隔
	KeepAliveInterval time.Duration

	// キープアライブタイムアウト
	//
	// 0の場合は KeepAliveInterval の3倍です。
	// タイムアウトしたフローパスは非アクティブになり、FailureHandlerが呼び出されます。
	KeepAliveTimeout time.Duration

	// 送信済みで未確認のバイト数がこの値以下のフローパスを、再送先として使用します。
	//
	// 0の場合は ChunkSize の5倍です。
	FinishedThreshold uint64

	// 重複確認応答がこの回数に達すると再送を開始します。
	MaxDupAck int

	// フローパスごとの送信キューに積めるチャンク数の上限
	MaxQueuedChunks int

	// Closeが切断シーケンスの完了を待つ時間
	//
	// 経過すると強制的に閉じます。
	CloseTimeout time.Duration

	// 送信先フローパスを選択するセレクタの名前
	//
	// 指定できる名前は scheduler.Names です。
	SelectorName string

	// セレクタを生成する関数
	//
	// 指定した場合は SelectorName より優先されます。セレクタは状態を持つため、コネクションごとに生成します。
	NewSelector func() scheduler.Selector

	// ロガー
	Logger log.Logger

	// メトリクス
	Metrics *Metrics

	// キープアライブを送信するレジストリ
	//
	// nilの場合、コネクションごとに専用のレジストリを作成します。
	KeepAliveRegistry *KeepAliveRegistry

	// UDPの制御チャネル
	UDPController *udpctl.Controller

	// マイグレーション時に接続先を解決するリゾルバ
	Resolver Resolver

	// フローパスを接続するダイヤラー
	//
	// nilの場合は transport.TCPDialer を使用します。
	Dialer transport.Dialer

	// NICの切り替えを通知するマネージャー
	//
	// 指定した場合、NICの切り替えで全てのフローパスをマイグレーションします。
	NICManager *nic.Manager

	// フローパスが失敗した時に自動的にマイグレーションするかどうか
	//
	// 接続した側のコネクションにのみ有効です。
	AutoMigrate bool

	// 自身の識別子
	//
	// ゼロ値の場合はUUIDから生成します。
	GUID wire.GUID

	// フローパスが失敗した時のハンドラ
	//
	// nilの場合は AutoMigrate に従います。
	FailureHandler FailureHandler
}

// FailureHandlerは、フローパスが失敗した時に呼び出されるハンドラです。
type FailureHandler interface {
	OnFlowpathFailure(c *Conn, id FlowpathID, err error)
}

// FailureHandlerFuncは、関数を FailureHandler として扱うためのアダプタです。
type FailureHandlerFunc func(c *Conn, id FlowpathID, err error)

func (f FailureHandlerFunc) OnFlowpathFailure(c *Conn, id FlowpathID, err error) {
	f(c, id, err)
}

// DefaultConfigは、デフォルトのConfigを取得します。
func DefaultConfig() *Config {
	c := defaultConfig
	return &c
}

func newConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	for _, o := range opts {
		o(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > wire.MaxPayloadSize {
		return errors.Errorf("invalid chunk size %d", c.ChunkSize)
	}
	if c.MaxSendBufferSize < uint64(c.ChunkSize) {
		return errors.Errorf("max send buffer size %d is smaller than chunk size %d", c.MaxSendBufferSize, c.ChunkSize)
	}
	if c.MaxQueuedChunks <= 0 {
		return errors.Errorf("invalid max queued chunks %d", c.MaxQueuedChunks)
	}
	if c.MaxDupAck <= 0 {
		return errors.Errorf("invalid max dup ack %d", c.MaxDupAck)
	}
	if c.NewSelector == nil {
		if _, err := scheduler.New(c.SelectorName, c.MaxQueuedChunks); err != nil {
			return err
		}
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.Dialer == nil {
		c.Dialer = &transport.TCPDialer{}
	}
	return nil
}

func (c *Config) keepAliveTimeout() time.Duration {
	if c.KeepAliveTimeout > 0 {
		return c.KeepAliveTimeout
	}
	return keepAliveTimeoutFactor * c.KeepAliveInterval
}

func (c *Config) finishedThreshold() uint64 {
	if c.FinishedThreshold > 0 {
		return c.FinishedThreshold
	}
	return finishedThresholdChunks * uint64(c.ChunkSize)
}

func (c *Config) newSelector() scheduler.Selector {
	if c.NewSelector != nil {
		return c.NewSelector()
	}
	s, err := scheduler.New(c.SelectorName, c.MaxQueuedChunks)
	if err != nil {
		// validate済み
		panic(err)
	}
	return s
}

// Optionは、Configのオプションです。
type Option func(*Config)

// WithChunkSizeは、1つのDATAメッセージに載せるペイロードの最大バイト数を設定します。
func WithChunkSize(n int) Option {
	return func(c *Config) {
		c.ChunkSize = n
	}
}

// WithMaxSendBufferSizeは、送信バッファの上限を設定します。
func WithMaxSendBufferSize(n uint64) Option {
	return func(c *Config) {
		c.MaxSendBufferSize = n
	}
}

// WithMigrationTimeoutは、マイグレーションの制限時間を設定します。
func WithMigrationTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.MigrationTimeout = d
	}
}

// WithHandshakeTimeoutは、ハンドシェイクの制限時間を設定します。
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithKeepAliveIntervalは、キープアライブを送信する間隔を設定します。
//
// 共有の KeepAliveRegistry を使用する場合、送信間隔はレジストリの設定に従います。
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Config) {
		c.KeepAliveInterval = d
	}
}

// WithKeepAliveTimeoutは、キープアライブタイムアウトを設定します。
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.KeepAliveTimeout = d
	}
}

// WithFinishedThresholdは、再送先とみなす未確認バイト数の閾値を設定します。
func WithFinishedThreshold(n uint64) Option {
	return func(c *Config) {
		c.FinishedThreshold = n
	}
}

// WithMaxDupAckは、再送を開始する重複確認応答の回数を設定します。
func WithMaxDupAck(n int) Option {
	return func(c *Config) {
		c.MaxDupAck = n
	}
}

// WithMaxQueuedChunksは、フローパスごとの送信キューの上限を設定します。
func WithMaxQueuedChunks(n int) Option {
	return func(c *Config) {
		c.MaxQueuedChunks = n
	}
}

// WithCloseTimeoutは、Closeが切断シーケンスの完了を待つ時間を設定します。
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.CloseTimeout = d
	}
}

// WithSelectorは、名前でセレクタを設定します。
func WithSelector(name string) Option {
	return func(c *Config) {
		c.SelectorName = name
		c.NewSelector = nil
	}
}

// WithSelectorFuncは、セレクタを生成する関数を設定します。
func WithSelectorFunc(f func() scheduler.Selector) Option {
	return func(c *Config) {
		c.NewSelector = f
	}
}

// WithLoggerは、ロガーを設定します。
func WithLogger(l log.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetricsは、メトリクスを設定します。
func WithMetrics(m *Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithKeepAliveRegistryは、共有のキープアライブレジストリを設定します。
func WithKeepAliveRegistry(r *KeepAliveRegistry) Option {
	return func(c *Config) {
		c.KeepAliveRegistry = r
	}
}

// WithUDPControllerは、UDPの制御チャネルを設定します。
func WithUDPController(ctl *udpctl.Controller) Option {
	return func(c *Config) {
		c.UDPController = ctl
	}
}

// WithResolverは、リゾルバを設定します。
func WithResolver(r Resolver) Option {
	return func(c *Config) {
		c.Resolver = r
	}
}

// WithDialerは、フローパスを接続するダイヤラーを設定します。
func WithDialer(d transport.Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithNICManagerは、NICマネージャーを設定します。
func WithNICManager(m *nic.Manager) Option {
	return func(c *Config) {
		c.NICManager = m
	}
}

// WithAutoMigrateは、フローパスが失敗した時に自動的にマイグレーションするかどうかを設定します。
func WithAutoMigrate(b bool) Option {
	return func(c *Config) {
		c.AutoMigrate = b
	}
}

// WithGUIDは、自身の識別子を設定します。
func WithGUID(g wire.GUID) Option {
	return func(c *Config) {
		c.GUID = g
	}
}

// WithFailureHandlerは、フローパスが失敗した時のハンドラを設定します。
func WithFailureHandler(h FailureHandler) Option {
	return func(c *Config) {
		c.FailureHandler = h
	}
}
