package upgrader

import (
	"time"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
)

// Config 升级器配置
type Config struct {
	// Security 安全升级器列表（按优先级排序）
	Security []ifc.SecurityUpgrader

	// Muxers 流复用器列表（按优先级排序）
	Muxers []ifc.Muxer

	// NegotiateTimeout 协议协商超时（默认 60s）
	NegotiateTimeout time.Duration
}

// DefaultNegotiateTimeout 默认协商超时
const DefaultNegotiateTimeout = 60 * time.Second
