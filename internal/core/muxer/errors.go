package muxer

import "errors"

var (
	// ErrStreamReset 流被重置
	ErrStreamReset = errors.New("muxer: stream reset")

	// ErrConnClosed 会话已关闭
	ErrConnClosed = errors.New("muxer: connection closed")
)
