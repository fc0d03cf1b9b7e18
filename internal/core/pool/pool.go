// Package pool 实现受管连接注册表
//
// 纯内存注册表：记录连接生命周期状态、执行容量判定、
// 维护待决拨号与自动重连簿记，并给出空闲/修剪计划。
// 所有操作同步返回，由单一内部互斥锁保护；
// 持锁期间除查询连接的 IsClosed 外不调用外部代码（关闭连接由调用方完成）。
package pool

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("core/pool")

// Pool 连接池
type Pool struct {
	mu sync.Mutex

	cfg   Config
	clock clock.Clock

	conns map[string]*managedConn       // id -> conn
	byPeer map[types.PeerID][]*managedConn

	pendingDials map[types.PeerID]*DialTask

	// 自动重连地址（与连接条目解耦：条目被移除后仍保留意愿）
	reconnectAddrs map[types.PeerID]*types.Multiaddr

	inboundCount  int
	outboundCount int
}

// New 创建连接池
func New(cfg Config) *Pool {
	return NewWithClock(cfg, clock.New())
}

// NewWithClock 以指定时钟创建连接池（测试用）
func NewWithClock(cfg Config, clk clock.Clock) *Pool {
	if cfg.ReconnectPolicy == nil {
		cfg.ReconnectPolicy = NoReconnect{}
	}
	return &Pool{
		cfg:            cfg,
		clock:          clk,
		conns:          make(map[string]*managedConn),
		byPeer:         make(map[types.PeerID][]*managedConn),
		pendingDials:   make(map[types.PeerID]*DialTask),
		reconnectAddrs: make(map[types.PeerID]*types.Multiaddr),
	}
}

// Config 返回池配置
func (p *Pool) Config() Config {
	return p.cfg
}

// ============================================================================
//                              查询
// ============================================================================

// Connection 返回与节点的首个活跃连接
//
// 仅 StateConnected 条目持有连接；已关闭未移除的条目不会被返回。
func (p *Pool) Connection(peer types.PeerID) ifc.MuxedConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.byPeer[peer] {
		if m.state.Kind == types.StateConnected && m.conn != nil && !m.conn.IsClosed() {
			return m.conn
		}
	}
	return nil
}

// IsConnected 检查是否与节点有活跃连接
func (p *Pool) IsConnected(peer types.PeerID) bool {
	return p.Connection(peer) != nil
}

// CanAcceptInbound 检查入站容量
func (p *Pool) CanAcceptInbound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxInboundConns == 0 || p.inboundCount < p.cfg.MaxInboundConns
}

// CanDialOutbound 检查出站容量
func (p *Pool) CanDialOutbound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxOutboundConns == 0 || p.outboundCount < p.cfg.MaxOutboundConns
}

// CanConnectTo 检查单节点容量
func (p *Pool) CanConnectTo(peer types.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.MaxConnsPerPeer == 0 {
		return true
	}
	count := 0
	for _, m := range p.byPeer[peer] {
		if m.state.Kind == types.StateConnected {
			count++
		}
	}
	return count < p.cfg.MaxConnsPerPeer
}

// ConnectedPeers 返回有活跃连接的节点列表
func (p *Pool) ConnectedPeers() []types.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var peers []types.PeerID
	for peer, conns := range p.byPeer {
		for _, m := range conns {
			if m.state.Kind == types.StateConnected {
				peers = append(peers, peer)
				break
			}
		}
	}
	return peers
}

// ConnectedManagedConns 返回节点的活跃受管连接快照
func (p *Pool) ConnectedManagedConns(peer types.PeerID) []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Info
	for _, m := range p.byPeer[peer] {
		if m.state.Kind == types.StateConnected {
			out = append(out, m.snapshot())
		}
	}
	return out
}

// ManagedConn 按 ID 返回受管连接快照
func (p *Pool) ManagedConn(id string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.conns[id]; m != nil {
		return m.snapshot(), true
	}
	return Info{}, false
}

// AllManagedConns 返回所有受管连接快照
func (p *Pool) AllManagedConns() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.conns))
	for _, m := range p.conns {
		out = append(out, m.snapshot())
	}
	return out
}

// ============================================================================
//                              连接增删
// ============================================================================

// Add 添加已建立的连接
func (p *Pool) Add(conn ifc.MuxedConn, peer types.PeerID, addr *types.Multiaddr, dir types.Direction, isLimited bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	m := &managedConn{
		id:           uuid.NewString(),
		peer:         peer,
		addr:         addr,
		direction:    dir,
		isLimited:    isLimited,
		state:        types.ConnState{Kind: types.StateConnected},
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		tags:         make(map[string]struct{}),
	}
	p.insertLocked(m)
	return m.id
}

// AddConnecting 注册一条建立中的连接
func (p *Pool) AddConnecting(peer types.PeerID, addr *types.Multiaddr, dir types.Direction) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := &managedConn{
		id:           uuid.NewString(),
		peer:         peer,
		addr:         addr,
		direction:    dir,
		state:        types.ConnState{Kind: types.StateConnecting},
		lastActivity: p.clock.Now(),
		tags:         make(map[string]struct{}),
	}
	p.insertLocked(m)
	return m.id
}

// UpdateConnection 将建立中的条目置为已连接
func (p *Pool) UpdateConnection(id string, conn ifc.MuxedConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.conns[id]
	if m == nil {
		return ErrNotFound
	}

	// 替换连接前必须先关闭旧连接（由调用方保证）
	wasConnected := m.state.Kind == types.StateConnected
	m.state = types.ConnState{Kind: types.StateConnected}
	m.conn = conn
	now := p.clock.Now()
	m.connectedAt = now
	m.lastActivity = now
	if !wasConnected {
		p.countLocked(m.direction, +1)
	}
	return nil
}

// UpdateState 更新条目状态
//
// 离开 StateConnected 时释放连接引用与容量计数。
func (p *Pool) UpdateState(id string, state types.ConnState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.conns[id]
	if m == nil {
		return
	}
	wasConnected := m.state.Kind == types.StateConnected
	m.state = state
	if wasConnected && state.Kind != types.StateConnected {
		m.conn = nil
		p.countLocked(m.direction, -1)
	}
}

// Remove 移除条目并返回快照
func (p *Pool) Remove(id string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.conns[id]
	if m == nil {
		return Info{}, false
	}
	info := m.snapshot()
	p.removeLocked(m)
	return info, true
}

// RemovePeer 移除节点的全部条目
func (p *Pool) RemovePeer(peer types.PeerID) []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.byPeer[peer]
	out := make([]Info, 0, len(conns))
	for _, m := range append([]*managedConn(nil), conns...) {
		out = append(out, m.snapshot())
		p.removeLocked(m)
	}
	return out
}

// TouchActivity 刷新条目活跃时间
func (p *Pool) TouchActivity(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.conns[id]; m != nil {
		m.lastActivity = p.clock.Now()
	}
}

// ============================================================================
//                              待决拨号
// ============================================================================

// PendingDial 返回节点的进行中拨号任务
func (p *Pool) PendingDial(peer types.PeerID) *DialTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingDials[peer]
}

// RegisterPendingDial 注册拨号任务
//
// 已存在任务时返回已有任务与 false，调用方应合流等待。
func (p *Pool) RegisterPendingDial(task *DialTask) (*DialTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.pendingDials[task.peer]; existing != nil {
		return existing, false
	}
	p.pendingDials[task.peer] = task
	return task, true
}

// RemovePendingDial 移除拨号任务
func (p *Pool) RemovePendingDial(peer types.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pendingDials, peer)
}

// CancelAllPendingDials 取消全部拨号任务
func (p *Pool) CancelAllPendingDials() {
	p.mu.Lock()
	tasks := make([]*DialTask, 0, len(p.pendingDials))
	for _, t := range p.pendingDials {
		tasks = append(tasks, t)
	}
	p.pendingDials = make(map[types.PeerID]*DialTask)
	p.mu.Unlock()

	// 唤醒等待者在锁外进行
	for _, t := range tasks {
		t.Cancel()
	}
}

// ============================================================================
//                              自动重连簿记
// ============================================================================

// EnableAutoReconnect 记录节点的重连地址
func (p *Pool) EnableAutoReconnect(peer types.PeerID, addr *types.Multiaddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnectAddrs[peer] = addr
	for _, m := range p.byPeer[peer] {
		m.reconnectAddr = addr
	}
}

// DisableAutoReconnect 取消节点的自动重连
func (p *Pool) DisableAutoReconnect(peer types.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reconnectAddrs, peer)
	for _, m := range p.byPeer[peer] {
		m.reconnectAddr = nil
	}
}

// ReconnectAddr 返回节点的重连地址
func (p *Pool) ReconnectAddr(peer types.PeerID) *types.Multiaddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnectAddrs[peer]
}

// IncrementRetryCount 自增重试计数并返回新值
func (p *Pool) IncrementRetryCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.conns[id]; m != nil {
		m.retryCount++
		return m.retryCount
	}
	return 0
}

// ResetRetryCount 清零重试计数
func (p *Pool) ResetRetryCount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.conns[id]; m != nil {
		m.retryCount = 0
	}
}

// ResetRetryCountIfStable 连接保持稳定后清零重试计数
//
// stableAfter 为判定稳定所需的最短连接时长。
func (p *Pool) ResetRetryCountIfStable(id string, stableAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.conns[id]
	if m == nil || m.connectedAt.IsZero() {
		return
	}
	if p.clock.Now().Sub(m.connectedAt) >= stableAfter {
		m.retryCount = 0
	}
}

// ============================================================================
//                              标签
// ============================================================================

// Tag 为条目添加标签
func (p *Pool) Tag(id, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.conns[id]; m != nil {
		m.tags[tag] = struct{}{}
	}
}

// Untag 移除条目标签
func (p *Pool) Untag(id, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.conns[id]; m != nil {
		delete(m.tags, tag)
	}
}

// ============================================================================
//                              内部方法
// ============================================================================

func (p *Pool) insertLocked(m *managedConn) {
	p.conns[m.id] = m
	p.byPeer[m.peer] = append(p.byPeer[m.peer], m)
	if addr := p.reconnectAddrs[m.peer]; addr != nil {
		m.reconnectAddr = addr
	}
	if m.state.Kind == types.StateConnected {
		p.countLocked(m.direction, +1)
	}
}

func (p *Pool) removeLocked(m *managedConn) {
	if m.state.Kind == types.StateConnected {
		p.countLocked(m.direction, -1)
	}
	delete(p.conns, m.id)
	conns := p.byPeer[m.peer]
	for i, c := range conns {
		if c == m {
			p.byPeer[m.peer] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(p.byPeer[m.peer]) == 0 {
		delete(p.byPeer, m.peer)
	}
}

func (p *Pool) countLocked(dir types.Direction, delta int) {
	switch dir {
	case types.DirInbound:
		p.inboundCount += delta
		if p.inboundCount < 0 {
			p.inboundCount = 0
		}
	case types.DirOutbound:
		p.outboundCount += delta
		if p.outboundCount < 0 {
			p.outboundCount = 0
		}
	}
}
