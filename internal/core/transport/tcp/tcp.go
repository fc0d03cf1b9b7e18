// Package tcp 实现 TCP 传输
//
// 处理 /ip4|ip6/<host>/tcp/<port> 地址；端口 0 由内核分配，
// 实际端口通过 Listener.Multiaddr 暴露。
package tcp

import (
	"context"
	"fmt"
	"net"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/multiaddr"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// 确保实现了接口
var _ ifc.Transport = (*Transport)(nil)

// Transport TCP 传输
type Transport struct {
	dialer net.Dialer
}

// New 创建 TCP 传输
func New() *Transport {
	return &Transport{}
}

// CanDial 检查是否可以拨号到指定地址
func (t *Transport) CanDial(addr *types.Multiaddr) bool {
	return isTCPAddr(addr)
}

// CanListen 检查是否可以监听指定地址
func (t *Transport) CanListen(addr *types.Multiaddr) bool {
	return isTCPAddr(addr) && !addr.HasProtocol(multiaddr.P_DNS) &&
		!addr.HasProtocol(multiaddr.P_DNS4) && !addr.HasProtocol(multiaddr.P_DNS6)
}

func isTCPAddr(addr *types.Multiaddr) bool {
	if addr == nil || !addr.HasProtocol(multiaddr.P_TCP) {
		return false
	}
	// 纯 TCP：不含 ws/wss 等上层封装，不经中继
	return !addr.HasProtocol(multiaddr.P_WS) &&
		!addr.HasProtocol(multiaddr.P_WSS) &&
		!addr.HasProtocol(multiaddr.P_CIRCUIT)
}

// Protocols 返回支持的协议组件名
func (t *Transport) Protocols() [][]string {
	return [][]string{
		{multiaddr.P_IP4, multiaddr.P_TCP},
		{multiaddr.P_IP6, multiaddr.P_TCP},
		{multiaddr.P_DNS, multiaddr.P_TCP},
		{multiaddr.P_DNS4, multiaddr.P_TCP},
		{multiaddr.P_DNS6, multiaddr.P_TCP},
	}
}

// PathKind 返回路径类别
func (t *Transport) PathKind() ifc.PathKind {
	return ifc.PathDirect
}

// Dial 建立出站连接
func (t *Transport) Dial(ctx context.Context, addr *types.Multiaddr) (ifc.RawConn, error) {
	target := multiaddr.WithoutPeerID(addr)
	host, err := hostPort(target)
	if err != nil {
		return nil, err
	}

	nc, err := t.dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	local, _ := multiaddr.FromNetAddr(nc.LocalAddr())
	return &Conn{Conn: nc, local: local, remote: target}, nil
}

// Listen 监听入站连接
func (t *Transport) Listen(addr *types.Multiaddr) (ifc.Listener, error) {
	target := multiaddr.WithoutPeerID(addr)
	host, err := hostPort(target)
	if err != nil {
		return nil, err
	}

	nl, err := net.Listen("tcp", host)
	if err != nil {
		return nil, err
	}

	actual, err := multiaddr.FromNetAddr(nl.Addr())
	if err != nil {
		nl.Close()
		return nil, err
	}
	return &listener{Listener: nl, addr: actual}, nil
}

// Close 关闭传输层
func (t *Transport) Close() error {
	return nil
}

// hostPort 提取 host:port
func hostPort(addr *types.Multiaddr) (string, error) {
	port, err := addr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", fmt.Errorf("tcp: not a tcp address: %s", addr)
	}
	for _, p := range []string{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6} {
		if host, err := addr.ValueForProtocol(p); err == nil {
			return net.JoinHostPort(host, port), nil
		}
	}
	return "", fmt.Errorf("tcp: no host component in %s", addr)
}

// ============================================================================
//                              Listener
// ============================================================================

type listener struct {
	net.Listener
	addr *types.Multiaddr
}

func (l *listener) Accept() (ifc.RawConn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	local, _ := multiaddr.FromNetAddr(nc.LocalAddr())
	remote, _ := multiaddr.FromNetAddr(nc.RemoteAddr())
	return &Conn{Conn: nc, local: local, remote: remote}, nil
}

func (l *listener) Multiaddr() *types.Multiaddr {
	return l.addr
}

// ============================================================================
//                              Conn
// ============================================================================

// 确保实现了接口
var _ ifc.RawConn = (*Conn)(nil)

// Conn TCP 连接
type Conn struct {
	net.Conn
	local  *types.Multiaddr
	remote *types.Multiaddr
}

// LocalMultiaddr 本地多地址
func (c *Conn) LocalMultiaddr() *types.Multiaddr {
	return c.local
}

// RemoteMultiaddr 远程多地址
func (c *Conn) RemoteMultiaddr() *types.Multiaddr {
	return c.remote
}
