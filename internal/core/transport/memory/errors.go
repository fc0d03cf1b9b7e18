package memory

import "errors"

var (
	// ErrConnectionRefused 目标地址无监听器
	ErrConnectionRefused = errors.New("memory: connection refused")

	// ErrListenerClosed 监听器已关闭
	ErrListenerClosed = errors.New("memory: listener closed")
)
