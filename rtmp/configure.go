// Copyright © 2021 Kris Nóva <kris@nivenly.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ███████╗██╗      █████╗ ███████╗██╗  ██╗██████╗
//  ██╔════╝██║     ██╔══██╗██╔════╝██║  ██║██╔══██╗
//  █████╗  ██║     ███████║███████╗███████║██║  ██║
//  ██╔══╝  ██║     ██╔══██║╚════██║██╔══██║██║  ██║
//  ██║     ███████╗██║  ██║███████║██║  ██║██████╔╝
//  ╚═╝     ╚══════╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═════╝
//
// ────────────────────────────────────────────────────────────────────────────

package rtmp

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the complete configuration of a flashd server.
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Root      string `mapstructure:"root"`
	Debug     bool   `mapstructure:"debug"`
	Verbose   bool   `mapstructure:"verbose"`
	Recording bool   `mapstructure:"recording"`
	MaxConns  int    `mapstructure:"max_conns"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisPwd    string        `mapstructure:"redis_pwd"`
	RedisDB     int           `mapstructure:"redis_db"`
	AnnounceTTL time.Duration `mapstructure:"announce_ttl"`

	IndexCacheTTL   time.Duration `mapstructure:"index_cache_ttl"`
	WriteQueueSize  int           `mapstructure:"write_queue_size"`
	StreamQueueSize int           `mapstructure:"stream_queue_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// default config
var defaultConf = ServerConfig{
	Host:            "0.0.0.0",
	Port:            DefaultPort,
	Root:            "./",
	AnnounceTTL:     30 * time.Second,
	IndexCacheTTL:   5 * time.Minute,
	WriteQueueSize:  1024,
	StreamQueueSize: 1024,
}

// DefaultConfig returns a copy of the built in defaults.
func DefaultConfig() *ServerConfig {
	cfg := defaultConf
	return &cfg
}

// NewConfig returns a viper instance holding the defaults and reading
// FLASHD_* environment variables. A non empty file is merged on top.
func NewConfig(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("host", defaultConf.Host)
	v.SetDefault("port", defaultConf.Port)
	v.SetDefault("root", defaultConf.Root)
	v.SetDefault("debug", defaultConf.Debug)
	v.SetDefault("verbose", defaultConf.Verbose)
	v.SetDefault("recording", defaultConf.Recording)
	v.SetDefault("max_conns", defaultConf.MaxConns)
	v.SetDefault("metrics_addr", defaultConf.MetricsAddr)
	v.SetDefault("redis_addr", defaultConf.RedisAddr)
	v.SetDefault("redis_pwd", defaultConf.RedisPwd)
	v.SetDefault("redis_db", defaultConf.RedisDB)
	v.SetDefault("announce_ttl", defaultConf.AnnounceTTL)
	v.SetDefault("index_cache_ttl", defaultConf.IndexCacheTTL)
	v.SetDefault("write_queue_size", defaultConf.WriteQueueSize)
	v.SetDefault("stream_queue_size", defaultConf.StreamQueueSize)
	v.SetDefault("read_timeout", defaultConf.ReadTimeout)
	v.SetDefault("write_timeout", defaultConf.WriteTimeout)

	v.SetEnvPrefix("FLASHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %v", file, err)
		}
	}
	return v, nil
}

// DecodeConfig unmarshals and validates the settings held by v.
func DecodeConfig(v *viper.Viper) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig is NewConfig followed by DecodeConfig.
func LoadConfig(file string) (*ServerConfig, error) {
	v, err := NewConfig(file)
	if err != nil {
		return nil, err
	}
	return DecodeConfig(v)
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.Root == "" {
		return fmt.Errorf("%w: empty root", ErrInvalidConfig)
	}
	if cfg.WriteQueueSize < 1 {
		return fmt.Errorf("%w: write_queue_size must be at least 1", ErrInvalidConfig)
	}
	if cfg.StreamQueueSize < 1 {
		return fmt.Errorf("%w: stream_queue_size must be at least 1", ErrInvalidConfig)
	}
	if cfg.MaxConns < 0 {
		return fmt.Errorf("%w: negative max_conns", ErrInvalidConfig)
	}
	return nil
}

// Addr is the RTMP listen address.
func (cfg *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
