// Package resourcemgr 实现资源预算管理器
//
// 按 (peer, direction) 对连接与流记账。
// 预留与释放成对出现：每条成功的 Reserve 必须在
// 所有退出路径上配对 Release，调用方以 defer 保证。
package resourcemgr

import (
	"sync"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("core/resourcemgr")

// ============================================================================
//                              配置
// ============================================================================

// Limits 资源上限
//
// 0 表示不限制该维度。
type Limits struct {
	// SystemConnsInbound 系统级入站连接上限
	SystemConnsInbound int

	// SystemConnsOutbound 系统级出站连接上限
	SystemConnsOutbound int

	// SystemStreams 系统级流上限（双向合计）
	SystemStreams int

	// PeerConns 单节点连接上限（双向合计）
	PeerConns int

	// PeerStreams 单节点流上限（双向合计）
	PeerStreams int
}

// DefaultLimits 创建默认上限
func DefaultLimits() Limits {
	return Limits{
		SystemConnsInbound:  256,
		SystemConnsOutbound: 256,
		SystemStreams:       4096,
		PeerConns:           8,
		PeerStreams:         256,
	}
}

// ============================================================================
//                              Manager
// ============================================================================

// 确保实现了接口
var _ ifc.ResourceManager = (*Manager)(nil)

// peerUsage 单节点用量
type peerUsage struct {
	conns   int
	streams int
}

// Manager 资源预算管理器
type Manager struct {
	mu sync.Mutex

	limits Limits

	sysConnsIn  int
	sysConnsOut int
	sysStreams  int

	peers map[types.PeerID]*peerUsage
}

// New 创建资源管理器
func New(limits Limits) *Manager {
	return &Manager{
		limits: limits,
		peers:  make(map[types.PeerID]*peerUsage),
	}
}

// ReserveInboundConnection 预留入站连接额度
func (m *Manager) ReserveInboundConnection(peer types.PeerID) error {
	return m.reserveConn(peer, types.DirInbound)
}

// ReserveOutboundConnection 预留出站连接额度
func (m *Manager) ReserveOutboundConnection(peer types.PeerID) error {
	return m.reserveConn(peer, types.DirOutbound)
}

func (m *Manager) reserveConn(peer types.PeerID, dir types.Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir == types.DirInbound {
		if m.limits.SystemConnsInbound > 0 && m.sysConnsIn >= m.limits.SystemConnsInbound {
			return types.NewResourceLimitError("system", "connection")
		}
	} else {
		if m.limits.SystemConnsOutbound > 0 && m.sysConnsOut >= m.limits.SystemConnsOutbound {
			return types.NewResourceLimitError("system", "connection")
		}
	}

	pu := m.peerLocked(peer)
	if m.limits.PeerConns > 0 && pu.conns >= m.limits.PeerConns {
		return types.NewResourceLimitError("peer", "connection")
	}

	if dir == types.DirInbound {
		m.sysConnsIn++
	} else {
		m.sysConnsOut++
	}
	pu.conns++
	return nil
}

// ReleaseConnection 释放连接额度
func (m *Manager) ReleaseConnection(peer types.PeerID, dir types.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dir == types.DirInbound {
		if m.sysConnsIn > 0 {
			m.sysConnsIn--
		}
	} else {
		if m.sysConnsOut > 0 {
			m.sysConnsOut--
		}
	}

	if pu := m.peers[peer]; pu != nil {
		if pu.conns > 0 {
			pu.conns--
		}
		m.dropIfIdleLocked(peer, pu)
	} else {
		logger.Debug("释放了未记账的连接额度", "peer", log.TruncateID(string(peer), 8))
	}
}

// ReserveInboundStream 预留入站流额度
func (m *Manager) ReserveInboundStream(peer types.PeerID) error {
	return m.reserveStream(peer)
}

// ReserveOutboundStream 预留出站流额度
func (m *Manager) ReserveOutboundStream(peer types.PeerID) error {
	return m.reserveStream(peer)
}

func (m *Manager) reserveStream(peer types.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.SystemStreams > 0 && m.sysStreams >= m.limits.SystemStreams {
		return types.NewResourceLimitError("system", "stream")
	}

	pu := m.peerLocked(peer)
	if m.limits.PeerStreams > 0 && pu.streams >= m.limits.PeerStreams {
		return types.NewResourceLimitError("peer", "stream")
	}

	m.sysStreams++
	pu.streams++
	return nil
}

// ReleaseStream 释放流额度
func (m *Manager) ReleaseStream(peer types.PeerID, dir types.Direction) {
	_ = dir
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sysStreams > 0 {
		m.sysStreams--
	}
	if pu := m.peers[peer]; pu != nil {
		if pu.streams > 0 {
			pu.streams--
		}
		m.dropIfIdleLocked(peer, pu)
	}
}

// ============================================================================
//                              查询（诊断用）
// ============================================================================

// Stat 当前用量快照
type Stat struct {
	ConnsInbound  int
	ConnsOutbound int
	Streams       int
	Peers         int
}

// Stat 返回当前用量
func (m *Manager) Stat() Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stat{
		ConnsInbound:  m.sysConnsIn,
		ConnsOutbound: m.sysConnsOut,
		Streams:       m.sysStreams,
		Peers:         len(m.peers),
	}
}

func (m *Manager) peerLocked(peer types.PeerID) *peerUsage {
	pu := m.peers[peer]
	if pu == nil {
		pu = &peerUsage{}
		m.peers[peer] = pu
	}
	return pu
}

func (m *Manager) dropIfIdleLocked(peer types.PeerID, pu *peerUsage) {
	if pu.conns == 0 && pu.streams == 0 {
		delete(m.peers, peer)
	}
}
