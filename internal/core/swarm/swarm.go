// Package swarm 实现连接群管理
//
// Swarm 是连接生命周期的总指挥：监听、拨号、升级、
// 入站流协商分发、断线重连、空闲回收与修剪，
// 并通过事件广播器对外发布状态变化。
//
// 持有关系：Swarm 独占监听器、连接池与升级器；
// 受管连接条目独占其活跃 MuxedConn。
package swarm

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/nexp2p/go-nexp2p/internal/core/backoff"
	"github.com/nexp2p/go-nexp2p/internal/core/eventbus"
	"github.com/nexp2p/go-nexp2p/internal/core/metrics"
	"github.com/nexp2p/go-nexp2p/internal/core/pool"
	"github.com/nexp2p/go-nexp2p/internal/core/upgrader"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("core/swarm")

// Swarm 连接群管理
type Swarm struct {
	keyPair   *crypto.KeyPair
	localPeer types.PeerID

	cfg *Config

	transports []ifc.Transport
	upgrader   *upgrader.Upgrader

	pool        *pool.Pool
	dialBackoff *backoff.Backoff
	bus         *eventbus.Bus

	// 可选协作者
	gater   ifc.Gater
	rcmgr   ifc.ResourceManager
	metrics *metrics.Metrics

	// 入站流协商信号量（全 Swarm 共享）
	negSem *semaphore.Weighted

	mu sync.Mutex

	// 以下字段由 mu 保护
	handlers       map[types.ProtocolID]ifc.StreamHandler
	listeners      []*activeListener
	listenAddrs    []*types.Multiaddr
	connectedPeers map[types.PeerID]struct{} // peerConnected 去重集
	running        bool

	// 配置的监听地址（Start 时绑定）
	configuredAddrs []*types.Multiaddr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option Swarm 选项
type Option func(*Swarm)

// WithGater 设置连接闸门
func WithGater(g ifc.Gater) Option {
	return func(s *Swarm) { s.gater = g }
}

// WithResourceManager 设置资源管理器
func WithResourceManager(r ifc.ResourceManager) Option {
	return func(s *Swarm) { s.rcmgr = r }
}

// WithMetrics 设置指标集
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Swarm) { s.metrics = m }
}

// WithListenAddrs 设置监听地址
func WithListenAddrs(addrs ...*types.Multiaddr) Option {
	return func(s *Swarm) { s.configuredAddrs = append(s.configuredAddrs, addrs...) }
}

// New 创建 Swarm
func New(kp *crypto.KeyPair, transports []ifc.Transport, up *upgrader.Upgrader, cfg *Config, opts ...Option) (*Swarm, error) {
	if kp == nil {
		return nil, upgrader.ErrNilKeyPair
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	poolCfg := cfg.Pool
	s := &Swarm{
		keyPair:        kp,
		localPeer:      kp.PeerID(),
		cfg:            cfg,
		transports:     transports,
		upgrader:       up,
		pool:           pool.New(poolCfg),
		dialBackoff:    backoff.New(cfg.Backoff),
		bus:            eventbus.NewBus(),
		negSem:         semaphore.NewWeighted(int64(cfg.MaxNegotiatingInboundStreams)),
		handlers:       make(map[types.ProtocolID]ifc.StreamHandler),
		connectedPeers: make(map[types.PeerID]struct{}),
	}
	s.gater = poolCfg.Gater

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LocalPeer 返回本地节点 ID
func (s *Swarm) LocalPeer() types.PeerID {
	return s.localPeer
}

// KeyPair 返回身份密钥
func (s *Swarm) KeyPair() *crypto.KeyPair {
	return s.keyPair
}

// Pool 返回连接池
func (s *Swarm) Pool() *pool.Pool {
	return s.pool
}

// Backoff 返回拨号退避跟踪器
func (s *Swarm) Backoff() *backoff.Backoff {
	return s.dialBackoff
}

// Connection 返回与节点的活跃连接
func (s *Swarm) Connection(peer types.PeerID) ifc.MuxedConn {
	return s.pool.Connection(peer)
}

// IsConnected 检查是否与节点有活跃连接
func (s *Swarm) IsConnected(peer types.PeerID) bool {
	return s.pool.IsConnected(peer)
}

// ConnectedPeers 返回已连接节点
func (s *Swarm) ConnectedPeers() []types.PeerID {
	return s.pool.ConnectedPeers()
}

// ============================================================================
//                              处理器注册
// ============================================================================

// SetStreamHandler 注册协议处理器
func (s *Swarm) SetStreamHandler(proto types.ProtocolID, handler ifc.StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[proto] = handler
}

// RemoveStreamHandler 移除协议处理器
func (s *Swarm) RemoveStreamHandler(proto types.ProtocolID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, proto)
}

// supportedProtocols 返回注册协议表（协商用）
func (s *Swarm) supportedProtocols() []types.ProtocolID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ProtocolID, 0, len(s.handlers))
	for p := range s.handlers {
		out = append(out, p)
	}
	return out
}

func (s *Swarm) handlerFor(proto types.ProtocolID) ifc.StreamHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[proto]
}

// ============================================================================
//                              事件
// ============================================================================

// Events 订阅事件流
func (s *Swarm) Events() *eventbus.Subscription {
	return s.bus.Subscribe(eventbus.WithBuffer(s.cfg.EventBuffer))
}

// emit 发布事件
func (s *Swarm) emit(evt types.SwarmEvent) {
	s.bus.Emit(evt)
}

// PublishEvent 供协议服务（中继客户端/服务器）发布事件
func (s *Swarm) PublishEvent(evt types.SwarmEvent) {
	s.bus.Emit(evt)
}

// ============================================================================
//                              升级助手
// ============================================================================

// UpgradeOutbound 以发起方角色升级一条原始连接
//
// 供中继电路等外部产生的原始连接走标准升级管线。
func (s *Swarm) UpgradeOutbound(ctx context.Context, raw ifc.RawConn, expectedPeer types.PeerID) (ifc.MuxedConn, error) {
	return s.upgrader.Upgrade(ctx, raw, s.keyPair, types.DirOutbound, expectedPeer)
}

// UpgradeInbound 以应答方角色升级一条原始连接
func (s *Swarm) UpgradeInbound(ctx context.Context, raw ifc.RawConn) (ifc.MuxedConn, error) {
	return s.upgrader.Upgrade(ctx, raw, s.keyPair, types.DirInbound, "")
}

// emitPeerConnected 按节点去重发布 peerConnected
//
// 同一节点的多条并发连接只发一次；去重标记
// 在最后一条连接消失时清除。
func (s *Swarm) emitPeerConnected(peer types.PeerID) {
	s.mu.Lock()
	_, seen := s.connectedPeers[peer]
	if !seen {
		s.connectedPeers[peer] = struct{}{}
	}
	s.mu.Unlock()
	if !seen {
		s.emit(types.EvtPeerConnected{Peer: peer})
	}
}

// emitPeerDisconnectedIfGone 最后一条连接消失时发布 peerDisconnected
func (s *Swarm) emitPeerDisconnectedIfGone(peer types.PeerID) {
	if s.pool.IsConnected(peer) {
		return
	}
	s.mu.Lock()
	_, seen := s.connectedPeers[peer]
	delete(s.connectedPeers, peer)
	s.mu.Unlock()
	if seen {
		s.emit(types.EvtPeerDisconnected{Peer: peer})
	}
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动 Swarm
//
// 启动空闲检查任务并绑定所有监听地址。
// 配置了监听地址但全部绑定失败时返回 ErrNoListeners。
func (s *Swarm) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	// 空闲检查任务
	if s.cfg.Pool.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.idleLoop(s.ctx)
	}

	// 绑定监听地址
	if err := s.startListeners(); err != nil {
		s.Shutdown()
		return err
	}

	logger.Info("Swarm 已启动",
		"localPeer", s.localPeer.ShortString(),
		"listenAddrs", len(s.ListenAddrs()))
	return nil
}

// isRunning 检查运行状态
func (s *Swarm) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown 关闭 Swarm
//
// 幂等；各步骤尽力而为，单个资源关闭失败不阻塞整体。
func (s *Swarm) Shutdown() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	listeners := s.listeners
	s.listeners = nil
	s.listenAddrs = nil
	s.mu.Unlock()

	logger.Info("正在关闭 Swarm")

	// 1. 取消后台任务（空闲、重连、接受循环）
	if cancel != nil {
		cancel()
	}

	// 2. 取消待决拨号
	s.pool.CancelAllPendingDials()

	// 3. 关闭监听器
	var errs error
	for _, al := range listeners {
		if err := al.listener.Close(); err != nil {
			logger.Warn("关闭监听器失败", "error", err)
			errs = multierr.Append(errs, err)
		}
		s.emit(types.EvtExpiredListenAddr{Addr: al.addr})
	}

	// 4. 关闭所有连接
	for _, info := range s.pool.AllManagedConns() {
		if info.Conn != nil {
			if err := info.Conn.Close(); err != nil {
				logger.Warn("关闭连接失败",
					"peer", info.Peer.ShortString(), "error", err)
			}
			s.releaseConnResources(info)
			s.emit(types.EvtDisconnected{Peer: info.Peer, Reason: types.ReasonLocalClose})
		}
		s.pool.Remove(info.ID)
		s.emitPeerDisconnectedIfGone(info.Peer)
	}

	// 5. 等待后台任务退出
	s.wg.Wait()

	// 6. 清理簿记并结束事件流
	s.dialBackoff.Clear()
	s.mu.Lock()
	s.connectedPeers = make(map[types.PeerID]struct{})
	s.mu.Unlock()
	s.bus.Close()

	logger.Info("Swarm 已关闭")
	return errs
}

// releaseConnResources 释放连接的资源管理器额度
func (s *Swarm) releaseConnResources(info pool.Info) {
	if s.rcmgr != nil {
		s.rcmgr.ReleaseConnection(info.Peer, info.Direction)
	}
	s.metrics.ConnClosed(info.Direction)
}
