package multiaddr

import "errors"

var (
	// ErrEmptyAddr 地址为空
	ErrEmptyAddr = errors.New("multiaddr: empty address")

	// ErrInvalidFormat 地址格式错误
	ErrInvalidFormat = errors.New("multiaddr: invalid format")

	// ErrInvalidProtocol 未知协议
	ErrInvalidProtocol = errors.New("multiaddr: unknown protocol")

	// ErrProtocolNotFound 地址中不包含指定协议
	ErrProtocolNotFound = errors.New("multiaddr: protocol not found in address")

	// ErrNoPeerID 地址中不包含 /p2p 组件
	ErrNoPeerID = errors.New("multiaddr: no p2p component")
)
