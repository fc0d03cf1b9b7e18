package upgrader

import "errors"

var (
	// ErrNoSecurityUpgraders 没有配置安全升级器
	ErrNoSecurityUpgraders = errors.New("upgrader: no security upgraders configured")

	// ErrNoMuxers 没有配置流复用器
	ErrNoMuxers = errors.New("upgrader: no muxers configured")

	// ErrSecurityNegotiation 安全协议协商失败
	ErrSecurityNegotiation = errors.New("upgrader: security negotiation failed")

	// ErrMuxerNegotiation 复用器协商失败
	ErrMuxerNegotiation = errors.New("upgrader: muxer negotiation failed")

	// ErrConnectionClosed 升级过程中连接关闭
	ErrConnectionClosed = errors.New("upgrader: connection closed")

	// ErrNilKeyPair 缺少身份密钥
	ErrNilKeyPair = errors.New("upgrader: key pair is nil")
)
