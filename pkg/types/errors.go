package types

import (
	"errors"
	"fmt"
)

// 本文件定义跨组件共享的错误类别。
// 各 internal/core 包的局部错误定义在各自的 errors.go 中。

var (
	// ErrEmptyPeerID PeerID 为空
	ErrEmptyPeerID = errors.New("peer id is empty")

	// ErrEmptyPublicKey 公钥为空
	ErrEmptyPublicKey = errors.New("public key is empty")

	// ErrSelfDial 拒绝拨号自身
	ErrSelfDial = errors.New("dial to self attempted")

	// ErrConnectionLimit 全局或单节点连接数达到上限
	ErrConnectionLimit = errors.New("connection limit reached")

	// ErrNotConnected 与目标节点没有活跃连接
	ErrNotConnected = errors.New("not connected to peer")

	// ErrNoSuitableTransport 没有传输层能处理该地址
	ErrNoSuitableTransport = errors.New("no suitable transport for address")

	// ErrNoListenersBound 所有监听地址绑定失败
	ErrNoListenersBound = errors.New("no listeners bound")

	// ErrNodeNotRunning 节点未运行
	ErrNodeNotRunning = errors.New("node is not running")

	// ErrProtocolNegotiationFailed 协议协商失败
	ErrProtocolNegotiationFailed = errors.New("protocol negotiation failed")
)

// ============================================================================
//                              闸门拦截错误
// ============================================================================

// GatedError 连接被闸门拦截
type GatedError struct {
	// Stage 拦截发生的阶段
	Stage GateStage

	// Peer 被拦截的节点（dial/accept 阶段可能为空）
	Peer PeerID
}

// Error 实现 error 接口
func (e *GatedError) Error() string {
	if e.Peer.IsEmpty() {
		return fmt.Sprintf("connection gated at %s", e.Stage)
	}
	return fmt.Sprintf("connection to %s gated at %s", e.Peer.ShortString(), e.Stage)
}

// NewGatedError 创建闸门拦截错误
func NewGatedError(stage GateStage, peer PeerID) *GatedError {
	return &GatedError{Stage: stage, Peer: peer}
}

// IsGated 检查错误是否为闸门拦截
func IsGated(err error) bool {
	var ge *GatedError
	return errors.As(err, &ge)
}

// ============================================================================
//                              资源限制错误
// ============================================================================

// ResourceLimitError 资源管理器拒绝预留
type ResourceLimitError struct {
	// Scope 限制作用域，如 "peer" / "system"
	Scope string

	// Resource 资源种类，如 "connection" / "stream"
	Resource string
}

// Error 实现 error 接口
func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s/%s", e.Scope, e.Resource)
}

// NewResourceLimitError 创建资源限制错误
func NewResourceLimitError(scope, resource string) *ResourceLimitError {
	return &ResourceLimitError{Scope: scope, Resource: resource}
}

// IsResourceLimit 检查错误是否为资源限制
func IsResourceLimit(err error) bool {
	var re *ResourceLimitError
	return errors.As(err, &re)
}
