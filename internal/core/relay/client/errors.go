package client

import (
	"errors"
	"fmt"

	"github.com/nexp2p/go-nexp2p/pkg/lib/proto/relaypb"
)

var (
	// ErrLimitExceeded 电路传输超过字节限制
	ErrLimitExceeded = errors.New("relay: circuit data limit exceeded")

	// ErrListenerClosed 监听器已关闭
	ErrListenerClosed = errors.New("relay: listener closed")

	// ErrAcceptInProgress 已有接受者在等待
	ErrAcceptInProgress = errors.New("relay: accept already in progress")

	// ErrNoReservation 没有有效预留
	ErrNoReservation = errors.New("relay: no active reservation")

	// ErrClientClosed 客户端已关闭
	ErrClientClosed = errors.New("relay: client closed")
)

// StatusError 中继返回非 OK 状态
type StatusError struct {
	// Op 操作名："reserve" 或 "connect"
	Op string

	// Status 中继返回的状态码
	Status relaypb.Status
}

// Error 实现 error 接口
func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: %s failed: %s", e.Op, e.Status)
}

// IsStatus 检查错误是否携带指定状态码
func IsStatus(err error, status relaypb.Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
