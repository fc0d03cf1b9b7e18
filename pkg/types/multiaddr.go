// Package types 定义 NexP2P 公共类型
//
// 本文件重导出 multiaddr 包的类型和函数。
package types

import (
	"github.com/nexp2p/go-nexp2p/pkg/lib/multiaddr"
)

// ============================================================================
//                              Multiaddr - 多地址
// ============================================================================

// Multiaddr 表示多地址
//
// Multiaddr 是一种自描述的网络地址格式。
// 例如：/ip4/127.0.0.1/tcp/4001/p2p/4XTTMGDF...
type Multiaddr = multiaddr.Multiaddr

// ============================================================================
//                              构造函数
// ============================================================================

// NewMultiaddr 从字符串创建多地址
var NewMultiaddr = multiaddr.NewMultiaddr

// FromNetAddr 从 net.Addr 创建多地址
var FromNetAddr = multiaddr.FromNetAddr

// FromTCPAddr 从 TCP 地址创建多地址
var FromTCPAddr = multiaddr.FromTCPAddr

// ============================================================================
//                              工具函数
// ============================================================================

// SplitMultiaddr 分离传输地址和 P2P 组件
//
// 输入：/ip4/1.2.3.4/tcp/4001/p2p/4XTTMGDF...
// 输出：/ip4/1.2.3.4/tcp/4001, "4XTTMGDF..."
func SplitMultiaddr(m *Multiaddr) (transport *Multiaddr, peerID PeerID) {
	t, id := multiaddr.Split(m)
	return t, PeerID(id)
}

// JoinMultiaddr 合并传输地址和 P2P 组件
func JoinMultiaddr(transport *Multiaddr, peerID PeerID) *Multiaddr {
	return multiaddr.Join(transport, string(peerID))
}

// GetPeerID 从多地址中提取 PeerID
func GetPeerID(m *Multiaddr) (PeerID, error) {
	id, err := multiaddr.GetPeerID(m)
	return PeerID(id), err
}

// WithPeerID 为多地址添加或替换 PeerID
func WithPeerID(m *Multiaddr, peerID PeerID) (*Multiaddr, error) {
	return multiaddr.WithPeerID(m, string(peerID))
}

// WithoutPeerID 移除多地址中的 PeerID
var WithoutPeerID = multiaddr.WithoutPeerID

// IsCircuitAddr 检查地址是否经过中继
var IsCircuitAddr = multiaddr.HasCircuit

// UniqueMultiaddrs 去重多地址
var UniqueMultiaddrs = multiaddr.UniqueAddrs

// ============================================================================
//                              协议常量
// ============================================================================

const (
	P_IP4     = multiaddr.P_IP4
	P_IP6     = multiaddr.P_IP6
	P_TCP     = multiaddr.P_TCP
	P_UDP     = multiaddr.P_UDP
	P_DNS     = multiaddr.P_DNS
	P_DNS4    = multiaddr.P_DNS4
	P_DNS6    = multiaddr.P_DNS6
	P_WS      = multiaddr.P_WS
	P_WSS     = multiaddr.P_WSS
	P_QUIC_V1 = multiaddr.P_QUIC_V1
	P_CIRCUIT = multiaddr.P_CIRCUIT
	P_P2P     = multiaddr.P_P2P
	P_MEMORY  = multiaddr.P_MEMORY
)
