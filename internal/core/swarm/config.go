package swarm

import (
	"time"

	"github.com/nexp2p/go-nexp2p/internal/core/backoff"
	"github.com/nexp2p/go-nexp2p/internal/core/pool"
)

// Config Swarm 配置
type Config struct {
	// Pool 连接池配置
	Pool pool.Config

	// Backoff 拨号退避配置
	Backoff backoff.Config

	// DialTimeout 单次拨号超时
	DialTimeout time.Duration

	// MaxNegotiatingInboundStreams 并发入站流协商上限
	//
	// 全 Swarm 共享的信号量额度；超出的新流挂起等待。
	MaxNegotiatingInboundStreams int

	// StableConnDuration 连接保持多久视为稳定（重试计数清零）
	StableConnDuration time.Duration

	// EventBuffer 每个事件订阅者的缓冲大小
	EventBuffer int
}

// DefaultConfig 创建默认配置
func DefaultConfig() *Config {
	return &Config{
		Pool:                         pool.DefaultConfig(),
		Backoff:                      backoff.DefaultConfig(),
		DialTimeout:                  15 * time.Second,
		MaxNegotiatingInboundStreams: 128,
		StableConnDuration:           time.Minute,
		EventBuffer:                  64,
	}
}
