package relaypb

import "errors"

var (
	// ErrMalformed 消息格式错误
	ErrMalformed = errors.New("relaypb: malformed message")

	// ErrMessageTooLarge 消息超过上限
	ErrMessageTooLarge = errors.New("relaypb: message too large")
)
