package msocket_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/aptpod/msocket-go/msocket"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *FileConfig
		wantErr bool
	}{
		{
			name: "全ての項目",
			data: `
chunk_size: 4000
max_send_buffer_size: 1048576
migration_timeout: 3s
handshake_timeout: 2s
keep_alive_interval: 500ms
keep_alive_timeout: 2s
finished_threshold: 8000
max_dup_ack: 3
max_queued_chunks: 16
close_timeout: 1s
selector: rtt-weighted
auto_migrate: false
`,
			want: &FileConfig{
				ChunkSize:         pointer.ToInt(4000),
				MaxSendBufferSize: pointer.ToUint64(1048576),
				MigrationTimeout:  pointer.ToDuration(3 * time.Second),
				HandshakeTimeout:  pointer.ToDuration(2 * time.Second),
				KeepAliveInterval: pointer.ToDuration(500 * time.Millisecond),
				KeepAliveTimeout:  pointer.ToDuration(2 * time.Second),
				FinishedThreshold: pointer.ToUint64(8000),
				MaxDupAck:         pointer.ToInt(3),
				MaxQueuedChunks:   pointer.ToInt(16),
				CloseTimeout:      pointer.ToDuration(time.Second),
				Selector:          pointer.ToString("rtt-weighted"),
				AutoMigrate:       pointer.ToBool(false),
			},
		},
		{
			name: "一部の項目",
			data: "chunk_size: 1400\n",
			want: &FileConfig{ChunkSize: pointer.ToInt(1400)},
		},
		{
			name: "空",
			data: "",
			want: &FileConfig{},
		},
		{
			name:    "未知のキー",
			data:    "chunk: 1400\n",
			wantErr: true,
		},
		{
			name:    "未知のセレクター",
			data:    "selector: fastest\n",
			wantErr: true,
		},
		{
			name:    "不正な時間",
			data:    "migration_timeout: soon\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfig([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("ファイルから読み込んだ設定をコネクションに適用できる", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "msocket.yaml")
		require.NoError(t, os.WriteFile(path, []byte("chunk_size: 1400\nkeep_alive_interval: 1h\nselector: uniform\n"), 0o600))

		fc, err := LoadConfigFile(path)
		require.NoError(t, err)

		c, err := NewTestConn(false, fc.Options()...)
		require.NoError(t, err)
		defer c.Wait()
		defer c.CloseInternal(nil)

		got := c.ConfigForTest()
		assert.Equal(t, 1400, got.ChunkSize)
		assert.Equal(t, time.Hour, got.KeepAliveInterval)
		assert.Equal(t, "uniform", got.SelectorName)
		assert.Equal(t, DefaultConfig().MigrationTimeout, got.MigrationTimeout)
	})
	t.Run("ファイルがない", func(t *testing.T) {
		_, err := LoadConfigFile(filepath.Join(t.TempDir(), "none.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestNewTestConn_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{name: "チャンクサイズが0", opts: []Option{WithChunkSize(0)}},
		{name: "送信バッファがチャンクより小さい", opts: []Option{WithChunkSize(1000), WithMaxSendBufferSize(999)}},
		{name: "未知のセレクター", opts: []Option{WithSelector("fastest")}},
		{name: "重複ACKの閾値が0", opts: []Option{WithMaxDupAck(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTestConn(false, tt.opts...)
			assert.Error(t, err)
		})
	}
}
