package multistream

import "errors"

var (
	// ErrNoProtocolMatched 所有提议都被回绝
	ErrNoProtocolMatched = errors.New("multistream: no protocol matched")

	// ErrProtocolMismatch 对端回复与协议不符
	ErrProtocolMismatch = errors.New("multistream: protocol mismatch")

	// ErrMessageTooLarge 消息超过 64 KiB 上限
	ErrMessageTooLarge = errors.New("multistream: message too large")

	// ErrInvalidVarint 长度前缀非法
	ErrInvalidVarint = errors.New("multistream: invalid varint")

	// ErrClosedMidNegotiation 协商中途连接关闭
	ErrClosedMidNegotiation = errors.New("multistream: connection closed mid-negotiation")
)
