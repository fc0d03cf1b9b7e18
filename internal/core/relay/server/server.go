// Package server 实现 Circuit Relay v2 服务器
//
// 接受 HOP 子流上的 RESERVE / CONNECT 请求：
// 为 NAT 后的节点维护限量预留，并在双方之间
// 按字节与时长限制转发电路流量。
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexp2p/go-nexp2p/internal/core/metrics"
	"github.com/nexp2p/go-nexp2p/internal/core/swarm"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/lib/proto/relaypb"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("relay/server")

// ============================================================================
//                              配置
// ============================================================================

// Config 中继服务器配置
type Config struct {
	// MaxReservations 预留总数上限
	MaxReservations int

	// MaxCircuitsPerPeer 单节点活跃电路上限
	MaxCircuitsPerPeer int

	// ReservationTTL 预留存续时长
	ReservationTTL time.Duration

	// DefaultLimit 电路默认限制
	DefaultLimit relaypb.Limit

	// StreamTimeout 控制消息读写超时
	StreamTimeout time.Duration
}

// DefaultConfig 创建默认配置
func DefaultConfig() Config {
	return Config{
		MaxReservations:    128,
		MaxCircuitsPerPeer: 16,
		ReservationTTL:     time.Hour,
		DefaultLimit: relaypb.Limit{
			DurationSeconds: 120,
			Data:            1 << 17, // 128 KiB
		},
		StreamTimeout: 30 * time.Second,
	}
}

// ============================================================================
//                              Server
// ============================================================================

// reservation 服务端预留记录
type reservation struct {
	client       types.PeerID
	expiration   time.Time
	observedAddr *types.Multiaddr
}

// Server 中继服务器
type Server struct {
	sw      *swarm.Swarm
	cfg     Config
	metrics *metrics.Metrics

	mu           sync.Mutex
	reservations map[types.PeerID]*reservation
	circuits     map[types.PeerID]int // 活跃电路计数（源与目标都计入）
	closed       bool

	done chan struct{}
}

// Option 服务器选项
type Option func(*Server)

// WithMetrics 设置指标集
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New 创建中继服务器
func New(sw *swarm.Swarm, cfg Config, opts ...Option) *Server {
	s := &Server{
		sw:           sw,
		cfg:          cfg,
		reservations: make(map[types.PeerID]*reservation),
		circuits:     make(map[types.PeerID]int),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 注册 HOP 协议处理器并启动过期清理
func (s *Server) Start() {
	s.sw.SetStreamHandler(types.ProtocolRelayHop, s.handleHop)
	go s.cleanupLoop()
	logger.Info("中继服务器已启动",
		"maxReservations", s.cfg.MaxReservations,
		"reservationTTL", s.cfg.ReservationTTL)
}

// Close 关闭服务器
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sw.RemoveStreamHandler(types.ProtocolRelayHop)
	close(s.done)
	return nil
}

// cleanupLoop 周期清理过期预留
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for peer, resv := range s.reservations {
				if now.After(resv.expiration) {
					delete(s.reservations, peer)
				}
			}
			s.metrics.RelayReservations(len(s.reservations))
			s.mu.Unlock()
		}
	}
}

// ============================================================================
//                              HOP 处理器
// ============================================================================

// handleHop 处理入站 HOP 子流
func (s *Server) handleHop(sc ifc.StreamContext) {
	stream := sc.Stream
	_ = stream.SetDeadline(time.Now().Add(s.cfg.StreamTimeout))

	msg, err := relaypb.ReadHop(stream)
	if err != nil {
		if errors.Is(err, relaypb.ErrMalformed) || errors.Is(err, relaypb.ErrMessageTooLarge) {
			s.replyHop(stream, relaypb.StatusMalformedMessage, nil)
		}
		_ = stream.Close()
		return
	}

	switch msg.Type {
	case relaypb.HopReserve:
		s.handleReserve(sc, stream)
		_ = stream.Close()
	case relaypb.HopConnect:
		s.handleConnect(sc, stream, msg)
	default:
		s.replyHop(stream, relaypb.StatusUnexpectedMessage, nil)
		_ = stream.Close()
	}
}

// replyHop 回复 STATUS 消息
func (s *Server) replyHop(w io.Writer, status relaypb.Status, extra func(*relaypb.HopMessage)) {
	reply := &relaypb.HopMessage{Type: relaypb.HopStatus, Status: status}
	if extra != nil {
		extra(reply)
	}
	if err := relaypb.WriteHop(w, reply); err != nil {
		logger.Debug("HOP 回复写出失败", "error", err)
	}
}

// ============================================================================
//                              RESERVE
// ============================================================================

// handleReserve 处理预留请求
//
// 容量检查与记录安装在同一临界区内完成，
// 并发到达的预留不会超卖。
func (s *Server) handleReserve(sc ifc.StreamContext, stream ifc.MuxedStream) {
	client := sc.RemotePeer

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.replyHop(stream, relaypb.StatusPermissionDenied, nil)
		return
	}

	now := time.Now()
	// 顺带清理已过期的记录
	for peer, resv := range s.reservations {
		if now.After(resv.expiration) {
			delete(s.reservations, peer)
		}
	}

	_, renewing := s.reservations[client]
	if !renewing && len(s.reservations) >= s.cfg.MaxReservations {
		s.mu.Unlock()
		logger.Debug("预留容量已满，拒绝",
			"client", client.ShortString())
		s.replyHop(stream, relaypb.StatusResourceLimitExceeded, nil)
		return
	}

	expiration := now.Add(s.cfg.ReservationTTL)
	s.reservations[client] = &reservation{
		client:       client,
		expiration:   expiration,
		observedAddr: sc.RemoteAddr,
	}
	count := len(s.reservations)
	s.mu.Unlock()

	s.metrics.RelayReservations(count)

	// 公布地址：各监听地址附加本节点 /p2p 后缀
	var addrs []*types.Multiaddr
	for _, a := range s.sw.ListenAddrs() {
		withID, err := types.WithPeerID(a, s.sw.LocalPeer())
		if err != nil {
			continue
		}
		addrs = append(addrs, withID)
	}

	limit := s.cfg.DefaultLimit
	s.replyHop(stream, relaypb.StatusOK, func(m *relaypb.HopMessage) {
		m.Reservation = &relaypb.Reservation{
			Expire: uint64(expiration.Unix()),
			Addrs:  addrs,
		}
		m.Limit = &limit
	})

	logger.Info("预留已安装",
		"client", client.ShortString(),
		"expiration", expiration,
		"total", count)
}

// hasReservation 检查节点是否持有有效预留
func (s *Server) hasReservation(peer types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	resv := s.reservations[peer]
	return resv != nil && time.Now().Before(resv.expiration)
}

// ============================================================================
//                              CONNECT
// ============================================================================

// acquireCircuit 占用源与目标的电路额度
func (s *Server) acquireCircuit(source, target types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuits[target] >= s.cfg.MaxCircuitsPerPeer || s.circuits[source] >= s.cfg.MaxCircuitsPerPeer {
		return false
	}
	s.circuits[target]++
	s.circuits[source]++
	return true
}

// releaseCircuit 释放电路额度
func (s *Server) releaseCircuit(source, target types.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range []types.PeerID{source, target} {
		if s.circuits[peer] > 0 {
			s.circuits[peer]--
		}
		if s.circuits[peer] == 0 {
			delete(s.circuits, peer)
		}
	}
}

// handleConnect 处理连接请求并在成功后转发电路
func (s *Server) handleConnect(sc ifc.StreamContext, stream ifc.MuxedStream, msg *relaypb.HopMessage) {
	source := sc.RemotePeer

	if msg.Peer == nil || msg.Peer.ID.IsEmpty() {
		s.replyHop(stream, relaypb.StatusMalformedMessage, nil)
		_ = stream.Close()
		return
	}
	target := msg.Peer.ID

	// 目标必须持有有效预留
	if !s.hasReservation(target) {
		s.replyHop(stream, relaypb.StatusNoReservation, nil)
		_ = stream.Close()
		return
	}

	// 电路额度
	if !s.acquireCircuit(source, target) {
		s.replyHop(stream, relaypb.StatusResourceLimitExceeded, nil)
		_ = stream.Close()
		return
	}
	defer s.releaseCircuit(source, target)

	limit := s.cfg.DefaultLimit

	// 经 STOP 协议向目标递交电路
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StreamTimeout)
	targetStream, err := s.sw.NewStream(ctx, target, types.ProtocolRelayStop)
	cancel()
	if err != nil {
		logger.Debug("打开 STOP 子流失败",
			"target", target.ShortString(), "error", err)
		s.replyHop(stream, relaypb.StatusConnectionFailed, nil)
		_ = stream.Close()
		return
	}
	_ = targetStream.SetDeadline(time.Now().Add(s.cfg.StreamTimeout))

	stopMsg := &relaypb.StopMessage{
		Type:  relaypb.StopConnect,
		Peer:  &relaypb.Peer{ID: source},
		Limit: &limit,
	}
	if err := relaypb.WriteStop(targetStream, stopMsg); err != nil {
		s.replyHop(stream, relaypb.StatusConnectionFailed, nil)
		_ = targetStream.Reset()
		_ = stream.Close()
		return
	}

	stopReply, err := relaypb.ReadStop(targetStream)
	if err != nil || stopReply.Type != relaypb.StopStatus || stopReply.Status != relaypb.StatusOK {
		logger.Debug("目标拒绝电路",
			"target", target.ShortString(), "error", err)
		s.replyHop(stream, relaypb.StatusConnectionFailed, nil)
		_ = targetStream.Reset()
		_ = stream.Close()
		return
	}

	// 向源端确认
	s.replyHop(stream, relaypb.StatusOK, func(m *relaypb.HopMessage) {
		m.Limit = &limit
	})

	_ = stream.SetDeadline(time.Time{})
	_ = targetStream.SetDeadline(time.Time{})

	logger.Info("电路已建立",
		"source", source.ShortString(),
		"target", target.ShortString())

	s.metrics.RelayCircuitOpened()
	defer s.metrics.RelayCircuitClosed()

	s.splice(stream, targetStream, limit)
}

// ============================================================================
//                              转发
// ============================================================================

// splice 在两条子流之间双向转发
//
// 共享累计字节额度；超过 limit.data 或到达 limit.duration
// 时终止电路；任一侧 EOF 关闭双方。
func (s *Server) splice(a, b ifc.MuxedStream, limit relaypb.Limit) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if d := limit.Duration(); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	budget := newByteBudget(int64(limit.Data))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.forward(ctx, a, b, budget) })
	g.Go(func() error { return s.forward(ctx, b, a, budget) })

	// 超时或限额触发时确保两侧解除阻塞
	go func() {
		<-ctx.Done()
		_ = a.SetDeadline(time.Now())
		_ = b.SetDeadline(time.Now())
	}()

	err := g.Wait()
	_ = a.Close()
	_ = b.Close()

	if err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("电路转发结束", "error", err)
	}
}

// forward 单向转发
func (s *Server) forward(ctx context.Context, src, dst ifc.MuxedStream, budget *byteBudget) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if !budget.consume(int64(n)) {
				return ErrCircuitLimit
			}
			s.metrics.RelayDataForwarded(int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				// 向对端传递写半关闭，再以 EOF 结束整条电路（关闭双方）
				_ = dst.CloseWrite()
				return io.EOF
			}
			return rerr
		}
	}
}

// byteBudget 共享字节额度
type byteBudget struct {
	mu        sync.Mutex
	remaining int64
	unlimited bool
}

func newByteBudget(limit int64) *byteBudget {
	return &byteBudget{remaining: limit, unlimited: limit <= 0}
}

// consume 扣减额度；超限返回 false
func (b *byteBudget) consume(n int64) bool {
	if b.unlimited {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.remaining {
		b.remaining = 0
		return false
	}
	b.remaining -= n
	return true
}
