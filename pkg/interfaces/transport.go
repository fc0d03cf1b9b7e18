package interfaces

import (
	"context"

	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              PathKind - 路径类别
// ============================================================================

// PathKind 传输路径类别
type PathKind int

const (
	// PathDirect 直连路径
	PathDirect PathKind = iota
	// PathRelay 中继路径
	PathRelay
	// PathLocal 本机内路径（memory 传输）
	PathLocal
)

// String 返回路径类别描述
func (k PathKind) String() string {
	switch k {
	case PathDirect:
		return "direct"
	case PathRelay:
		return "relay"
	case PathLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              Transport 接口
// ============================================================================

// Transport 传输层接口
//
// Transport 提供底层网络传输能力，抽象不同的传输协议。
// 标准传输产出 RawConn，由升级器完成安全与多路复用协商；
// 集成安全的传输（如 QUIC 类栈）额外实现 SecuredTransport。
type Transport interface {
	// CanDial 检查是否可以拨号到指定地址
	CanDial(addr *types.Multiaddr) bool

	// CanListen 检查是否可以监听指定地址
	CanListen(addr *types.Multiaddr) bool

	// Protocols 返回支持的协议组件名
	// 如 [["ip4","tcp"], ["ip6","tcp"]]
	Protocols() [][]string

	// PathKind 返回路径类别
	PathKind() PathKind

	// Dial 建立出站原始连接
	Dial(ctx context.Context, addr *types.Multiaddr) (RawConn, error)

	// Listen 监听入站连接
	Listen(addr *types.Multiaddr) (Listener, error)

	// Close 关闭传输层
	Close() error
}

// SecuredTransport 集成安全与多路复用的传输
//
// 升级流程内建于传输本身（如 QUIC 自带 TLS 1.3 与流复用）。
// Swarm 通过类型断言探测此能力，存在时跳过升级器。
type SecuredTransport interface {
	Transport

	// DialSecured 建立出站连接并完成握手
	DialSecured(ctx context.Context, addr *types.Multiaddr, kp *crypto.KeyPair) (MuxedConn, error)

	// ListenSecured 监听并产出已完成握手的连接
	ListenSecured(addr *types.Multiaddr, kp *crypto.KeyPair) (SecuredListener, error)
}

// ============================================================================
//                              Listener 接口
// ============================================================================

// Listener 原始连接监听器
type Listener interface {
	// Accept 接受连接，阻塞直到有新连接到达
	Accept() (RawConn, error)

	// Multiaddr 返回实际监听的多地址（端口 0 已解析）
	Multiaddr() *types.Multiaddr

	// Close 关闭监听器
	Close() error
}

// SecuredListener 已升级连接的监听器
type SecuredListener interface {
	// Accept 接受已完成握手与复用协商的连接
	Accept() (MuxedConn, error)

	// Multiaddr 返回实际监听的多地址
	Multiaddr() *types.Multiaddr

	// Close 关闭监听器
	Close() error
}
