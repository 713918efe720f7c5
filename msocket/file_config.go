package msocket

import (
	"bytes"
	"os"
	"time"

	"github.com/aptpod/msocket-go/errors"
	"github.com/aptpod/msocket-go/scheduler"
	"gopkg.in/yaml.v3"
)

// FileConfigは、YAMLファイルから読み込む設定です。
//
// 省略された項目はデフォルト値のままになります。時間はGoのDuration形式（e.g. 5s, 500ms）で記述します。
//
//	chunk_size: 1000
//	max_send_buffer_size: 31457280
//	migration_timeout: 5s
//	keep_alive_interval: 5s
//	selector: rtt-weighted
type FileConfig struct {
	ChunkSize         *int           `yaml:"chunk_size"`
	MaxSendBufferSize *uint64        `yaml:"max_send_buffer_size"`
	MigrationTimeout  *time.Duration `yaml:"migration_timeout"`
	HandshakeTimeout  *time.Duration `yaml:"handshake_timeout"`
	KeepAliveInterval *time.Duration `yaml:"keep_alive_interval"`
	KeepAliveTimeout  *time.Duration `yaml:"keep_alive_timeout"`
	FinishedThreshold *uint64        `yaml:"finished_threshold"`
	MaxDupAck         *int           `yaml:"max_dup_ack"`
	MaxQueuedChunks   *int           `yaml:"max_queued_chunks"`
	CloseTimeout      *time.Duration `yaml:"close_timeout"`
	Selector          *string        `yaml:"selector"`
	AutoMigrate       *bool          `yaml:"auto_migrate"`
}

// LoadConfigFileは、pathのYAMLファイルを読み込みます。
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfigは、YAMLをパースします。未知のキーはエラーになります。
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if len(bytes.TrimSpace(data)) == 0 {
			return &fc, nil
		}
		return nil, errors.Errorf("parse config: %w", err)
	}
	if fc.Selector != nil {
		if _, err := scheduler.New(*fc.Selector, defaultMaxQueuedChunks); err != nil {
			return nil, err
		}
	}
	return &fc, nil
}

// Optionsは、設定されている項目を Option へ変換します。
func (f *FileConfig) Options() []Option {
	var opts []Option
	if f.ChunkSize != nil {
		opts = append(opts, WithChunkSize(*f.ChunkSize))
	}
	if f.MaxSendBufferSize != nil {
		opts = append(opts, WithMaxSendBufferSize(*f.MaxSendBufferSize))
	}
	if f.MigrationTimeout != nil {
		opts = append(opts, WithMigrationTimeout(*f.MigrationTimeout))
	}
	if f.HandshakeTimeout != nil {
		opts = append(opts, WithHandshakeTimeout(*f.HandshakeTimeout))
	}
	if f.KeepAliveInterval != nil {
		opts = append(opts, WithKeepAliveInterval(*f.KeepAliveInterval))
	}
	if f.KeepAliveTimeout != nil {
		opts = append(opts, WithKeepAliveTimeout(*f.KeepAliveTimeout))
	}
	if f.FinishedThreshold != nil {
		opts = append(opts, WithFinishedThreshold(*f.FinishedThreshold))
	}
	if f.MaxDupAck != nil {
		opts = append(opts, WithMaxDupAck(*f.MaxDupAck))
	}
	if f.MaxQueuedChunks != nil {
		opts = append(opts, WithMaxQueuedChunks(*f.MaxQueuedChunks))
	}
	if f.CloseTimeout != nil {
		opts = append(opts, WithCloseTimeout(*f.CloseTimeout))
	}
	if f.Selector != nil {
		opts = append(opts, WithSelector(*f.Selector))
	}
	if f.AutoMigrate != nil {
		opts = append(opts, WithAutoMigrate(*f.AutoMigrate))
	}
	return opts
}
