// Package interfaces 定义 NexP2P 核心组件之间的契约
//
// 本包只含接口与小型值类型，不含实现。
// 具体实现位于 internal/core 下的各组件包。
package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              RawConn - 原始连接
// ============================================================================

// RawConn 原始字节流连接
//
// 由传输层产出，未经安全握手，仅提供双工字节读写与地址信息。
type RawConn interface {
	io.ReadWriteCloser

	// LocalMultiaddr 本地多地址
	LocalMultiaddr() *types.Multiaddr

	// RemoteMultiaddr 远程多地址
	RemoteMultiaddr() *types.Multiaddr

	// SetDeadline 设置读写截止时间
	SetDeadline(t time.Time) error

	// SetReadDeadline 设置读截止时间
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline 设置写截止时间
	SetWriteDeadline(t time.Time) error
}

// ============================================================================
//                              SecureConn - 安全连接
// ============================================================================

// SecureConn 经过安全握手的连接
//
// 在 RawConn 之上附加经认证的双方节点身份。
type SecureConn interface {
	RawConn

	// LocalPeer 本地节点 ID
	LocalPeer() types.PeerID

	// RemotePeer 经认证的远程节点 ID
	RemotePeer() types.PeerID

	// RemotePublicKey 远程节点公钥
	RemotePublicKey() []byte
}

// ============================================================================
//                              MuxedStream - 多路复用流
// ============================================================================

// MuxedStream 多路复用连接上的独立双工子流
type MuxedStream interface {
	io.ReadWriteCloser

	// CloseWrite 关闭写端（对端收到 EOF）
	CloseWrite() error

	// CloseRead 关闭读端
	CloseRead() error

	// Reset 立即终止流（两端收到错误）
	Reset() error

	// SetDeadline 设置读写截止时间
	SetDeadline(t time.Time) error

	// SetReadDeadline 设置读截止时间
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline 设置写截止时间
	SetWriteDeadline(t time.Time) error
}

// ============================================================================
//                              MuxedConn - 多路复用连接
// ============================================================================

// MuxedConn 多路复用连接
//
// 在 SecureConn 之上提供子流的创建与接收。
type MuxedConn interface {
	// OpenStream 打开出站子流
	OpenStream(ctx context.Context) (MuxedStream, error)

	// AcceptStream 接受入站子流
	//
	// 阻塞直到有新子流到达；连接关闭后返回错误。
	AcceptStream() (MuxedStream, error)

	// LocalPeer 本地节点 ID
	LocalPeer() types.PeerID

	// RemotePeer 经认证的远程节点 ID
	RemotePeer() types.PeerID

	// LocalMultiaddr 本地多地址
	LocalMultiaddr() *types.Multiaddr

	// RemoteMultiaddr 远程多地址
	RemoteMultiaddr() *types.Multiaddr

	// Close 关闭连接及其所有子流
	Close() error

	// IsClosed 检查连接是否已关闭
	IsClosed() bool
}

// ============================================================================
//                              StreamContext - 流处理上下文
// ============================================================================

// StreamContext 入站流处理器收到的上下文
type StreamContext struct {
	// Stream 协商完成的子流（剩余字节已回放）
	Stream MuxedStream

	// ProtocolID 协商出的协议
	ProtocolID types.ProtocolID

	// LocalPeer 本地节点 ID
	LocalPeer types.PeerID

	// RemotePeer 远程节点 ID
	RemotePeer types.PeerID

	// LocalAddr 本地多地址
	LocalAddr *types.Multiaddr

	// RemoteAddr 远程多地址
	RemoteAddr *types.Multiaddr
}

// StreamHandler 入站流处理器
type StreamHandler func(sc StreamContext)
