package pool

import (
	"time"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              重连策略
// ============================================================================

// ReconnectPolicy 重连策略
//
// 每次断开后以 (attempt, reason) 咨询；返回 true 表示继续重连。
type ReconnectPolicy interface {
	ShouldReconnect(attempt int, reason types.DisconnectReason) bool
}

// NoReconnect 从不重连
type NoReconnect struct{}

// ShouldReconnect 实现 ReconnectPolicy
func (NoReconnect) ShouldReconnect(int, types.DisconnectReason) bool {
	return false
}

// MaxRetries 有限次数重连
//
// 仅对对端关闭与传输错误重连；本端主动关闭、空闲超时
// 与修剪不触发重连。
type MaxRetries struct {
	// Retries 最大尝试次数
	Retries int
}

// ShouldReconnect 实现 ReconnectPolicy
func (p MaxRetries) ShouldReconnect(attempt int, reason types.DisconnectReason) bool {
	switch reason {
	case types.ReasonRemoteClose, types.ReasonTransportError:
	default:
		return false
	}
	return attempt <= p.Retries
}

// ============================================================================
//                              配置
// ============================================================================

// Config 连接池配置
type Config struct {
	// MaxInboundConns 入站连接上限（0 不限制）
	MaxInboundConns int

	// MaxOutboundConns 出站连接上限（0 不限制）
	MaxOutboundConns int

	// MaxConnsPerPeer 单节点连接上限（0 不限制）
	MaxConnsPerPeer int

	// IdleTimeout 空闲超时（0 关闭空闲检查）
	IdleTimeout time.Duration

	// HighWater 修剪高水位：连接数超过即触发修剪
	HighWater int

	// LowWater 修剪低水位：修剪的目标连接数
	LowWater int

	// ReconnectPolicy 重连策略（nil 等同 NoReconnect）
	ReconnectPolicy ReconnectPolicy

	// Gater 连接闸门（可选）
	Gater ifc.Gater
}

// DefaultConfig 创建默认配置
func DefaultConfig() Config {
	return Config{
		MaxInboundConns:  128,
		MaxOutboundConns: 128,
		MaxConnsPerPeer:  4,
		IdleTimeout:      5 * time.Minute,
		HighWater:        192,
		LowWater:         160,
		ReconnectPolicy:  NoReconnect{},
	}
}
