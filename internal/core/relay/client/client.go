// Package client 实现 Circuit Relay v2 客户端
//
// 三项能力：在中继上预留槽位（RESERVE）、经中继拨号
// NAT 后的节点（CONNECT），以及接收经中继递交的入站
// 电路（STOP 处理器 + 按中继的监听器注册表）。
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexp2p/go-nexp2p/internal/core/swarm"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/lib/proto/relaypb"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("relay/client")

// ============================================================================
//                              预留
// ============================================================================

// Reservation 客户端侧预留
type Reservation struct {
	// Relay 中继节点
	Relay types.PeerID

	// Expiration 过期时刻
	Expiration time.Time

	// Addrs 中继公布的地址
	Addrs []*types.Multiaddr

	// Voucher 凭证（可选）
	Voucher []byte
}

// IsValid 检查预留是否仍然有效
func (r *Reservation) IsValid() bool {
	return r != nil && time.Now().Before(r.Expiration)
}

// ============================================================================
//                              配置
// ============================================================================

// Config 中继客户端配置
type Config struct {
	// DefaultLimit 中继未声明限制时采用的默认值
	DefaultLimit relaypb.Limit

	// StreamTimeout 控制消息读写超时
	StreamTimeout time.Duration
}

// DefaultConfig 创建默认配置
func DefaultConfig() Config {
	return Config{
		DefaultLimit: relaypb.Limit{
			DurationSeconds: 120,
			Data:            1 << 17, // 128 KiB
		},
		StreamTimeout: 30 * time.Second,
	}
}

// ============================================================================
//                              Client
// ============================================================================

// Client 中继客户端
type Client struct {
	sw  *swarm.Swarm
	cfg Config

	mu        sync.Mutex
	listeners map[types.PeerID]*Listener // relay -> listener
	closed    bool
}

// New 创建中继客户端
func New(sw *swarm.Swarm, cfg Config) *Client {
	return &Client{
		sw:        sw,
		cfg:       cfg,
		listeners: make(map[types.PeerID]*Listener),
	}
}

// Start 注册 STOP 协议处理器
func (c *Client) Start() {
	c.sw.SetStreamHandler(types.ProtocolRelayStop, c.handleStop)
}

// Close 关闭客户端：注销处理器并关闭全部监听器
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := make([]*Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.sw.RemoveStreamHandler(types.ProtocolRelayStop)
	for _, l := range listeners {
		_ = l.Close()
	}
	return nil
}

// ============================================================================
//                              RESERVE
// ============================================================================

// Reserve 在中继上预留槽位
//
// 要求与中继已有连接；不会自动拨号，无连接时返回 ErrNotConnected。
func (c *Client) Reserve(ctx context.Context, relay types.PeerID) (*Reservation, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	stream, err := c.sw.NewStream(ctx, relay, types.ProtocolRelayHop)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(c.cfg.StreamTimeout))

	if err := relaypb.WriteHop(stream, &relaypb.HopMessage{Type: relaypb.HopReserve}); err != nil {
		return nil, err
	}

	msg, err := relaypb.ReadHop(stream)
	if err != nil {
		return nil, err
	}
	if msg.Type != relaypb.HopStatus {
		return nil, &StatusError{Op: "reserve", Status: relaypb.StatusUnexpectedMessage}
	}
	if msg.Status != relaypb.StatusOK {
		return nil, &StatusError{Op: "reserve", Status: msg.Status}
	}
	if msg.Reservation == nil {
		return nil, &StatusError{Op: "reserve", Status: relaypb.StatusMalformedMessage}
	}

	resv := &Reservation{
		Relay:      relay,
		Expiration: msg.Reservation.ExpireTime(),
		Addrs:      msg.Reservation.Addrs,
		Voucher:    msg.Reservation.Voucher,
	}
	logger.Info("中继预留成功",
		"relay", relay.ShortString(),
		"expiration", resv.Expiration)
	return resv, nil
}

// ============================================================================
//                              CONNECT
// ============================================================================

// ConnectThrough 经中继拨号目标节点
//
// 成功后 HOP 子流即为电路字节管道。
func (c *Client) ConnectThrough(ctx context.Context, relay, target types.PeerID) (*RelayedConn, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	stream, err := c.sw.NewStream(ctx, relay, types.ProtocolRelayHop)
	if err != nil {
		return nil, err
	}
	_ = stream.SetDeadline(time.Now().Add(c.cfg.StreamTimeout))

	msg := &relaypb.HopMessage{
		Type: relaypb.HopConnect,
		Peer: &relaypb.Peer{ID: target},
	}
	if err := relaypb.WriteHop(stream, msg); err != nil {
		_ = stream.Reset()
		return nil, err
	}

	reply, err := relaypb.ReadHop(stream)
	if err != nil {
		_ = stream.Reset()
		return nil, err
	}
	if reply.Type != relaypb.HopStatus {
		_ = stream.Reset()
		return nil, &StatusError{Op: "connect", Status: relaypb.StatusUnexpectedMessage}
	}
	if reply.Status != relaypb.StatusOK {
		_ = stream.Reset()
		return nil, &StatusError{Op: "connect", Status: reply.Status}
	}

	_ = stream.SetDeadline(time.Time{})

	limit := c.effectiveLimit(reply.Limit)
	conn := NewRelayedConn(stream, relay, c.sw.LocalPeer(), target, limit)

	logger.Info("中继电路已建立（出站）",
		"relay", relay.ShortString(),
		"target", target.ShortString())
	return conn, nil
}

// DialThrough 经中继建立完整连接并纳入 Swarm
//
// 在电路字节管道上运行标准升级管线（安全 + 复用），
// 升级后的连接以受限连接（isLimited）入池，
// 之后可像直连一样 NewStream。
func (c *Client) DialThrough(ctx context.Context, relay, target types.PeerID) (types.PeerID, error) {
	raw, err := c.ConnectThrough(ctx, relay, target)
	if err != nil {
		return "", err
	}

	muxed, err := c.sw.UpgradeOutbound(ctx, raw, target)
	if err != nil {
		raw.Close()
		return "", err
	}

	if _, err := c.sw.AddConn(muxed, types.DirOutbound, true); err != nil {
		// 被同时连接裁决取代时另一条连接存活，视为成功
		if errors.Is(err, swarm.ErrSuperseded) && c.sw.IsConnected(target) {
			return target, nil
		}
		return "", err
	}
	return target, nil
}

// ServeListener 把监听器接受的电路送回 Swarm 的接受路径
//
// 每条入站电路经应答方升级后以受限连接入池。
// 监听器关闭后循环退出。
func (c *Client) ServeListener(l *Listener) {
	go func() {
		for {
			conn, err := l.Accept(context.Background())
			if err != nil {
				return
			}
			go func(conn *RelayedConn) {
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StreamTimeout)
				defer cancel()
				muxed, uerr := c.sw.UpgradeInbound(ctx, conn)
				if uerr != nil {
					logger.Debug("中继电路升级失败", "error", uerr)
					conn.Close()
					return
				}
				if _, aerr := c.sw.AddConn(muxed, types.DirInbound, true); aerr != nil {
					logger.Debug("中继电路入池失败", "error", aerr)
				}
			}(conn)
		}
	}()
}

// ============================================================================
//                              监听
// ============================================================================

// Listen 在中继上监听入站电路
//
// 预留成功后注册监听器，并在存续期间按 2/3 TTL 自动续约。
func (c *Client) Listen(ctx context.Context, relay types.PeerID) (*Listener, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	resv, err := c.Reserve(ctx, relay)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if existing := c.listeners[relay]; existing != nil {
		c.mu.Unlock()
		existing.updateReservation(resv)
		return existing, nil
	}
	l := newListener(relay, resv, c.dropListener)
	c.listeners[relay] = l
	c.mu.Unlock()

	go c.renewLoop(l)
	return l, nil
}

// dropListener 监听器关闭时从注册表移除
func (c *Client) dropListener(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners[l.relay] == l {
		delete(c.listeners, l.relay)
	}
}

// listenerFor 查找中继对应的监听器
//
// 注册表锁只做指针拷贝，入队在锁外进行。
func (c *Client) listenerFor(relay types.PeerID) *Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[relay]
}

// renewLoop 预留续约循环
//
// 在 2/3 TTL 处续约；监听器关闭后退出。
func (c *Client) renewLoop(l *Listener) {
	for {
		resv := l.Reservation()
		if resv == nil {
			return
		}
		wait := time.Until(resv.Expiration) * 2 / 3
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-l.done:
			timer.Stop()
			return
		}

		if l.isClosed() || c.isClosed() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StreamTimeout)
		renewed, err := c.Reserve(ctx, l.relay)
		cancel()
		if err != nil {
			logger.Warn("中继预留续约失败",
				"relay", l.relay.ShortString(), "error", err)
			continue
		}
		l.updateReservation(renewed)
	}
}

// ============================================================================
//                              STOP 处理器
// ============================================================================

// handleStop 处理入站 STOP 子流
//
// 读取 CONNECT 递交，回复 OK 后把电路入队到对应中继的
// 监听器；无监听器或监听器已关闭时回复失败状态并关闭。
// OK 回复之后入队失败时直接关闭电路，不再回复状态。
func (c *Client) handleStop(sc ifc.StreamContext) {
	relay := sc.RemotePeer
	stream := sc.Stream

	_ = stream.SetDeadline(time.Now().Add(c.cfg.StreamTimeout))

	msg, err := relaypb.ReadStop(stream)
	if err != nil {
		logger.Debug("STOP 消息读取失败", "relay", relay.ShortString(), "error", err)
		_ = stream.Reset()
		return
	}
	if msg.Type != relaypb.StopConnect || msg.Peer == nil || msg.Peer.ID.IsEmpty() {
		_ = relaypb.WriteStop(stream, &relaypb.StopMessage{
			Type:   relaypb.StopStatus,
			Status: relaypb.StatusMalformedMessage,
		})
		_ = stream.Close()
		return
	}

	source := msg.Peer.ID

	l := c.listenerFor(relay)
	if l == nil || l.isClosed() {
		_ = relaypb.WriteStop(stream, &relaypb.StopMessage{
			Type:   relaypb.StopStatus,
			Status: relaypb.StatusConnectionFailed,
		})
		_ = stream.Close()
		return
	}

	if err := relaypb.WriteStop(stream, &relaypb.StopMessage{
		Type:   relaypb.StopStatus,
		Status: relaypb.StatusOK,
	}); err != nil {
		_ = stream.Reset()
		return
	}
	_ = stream.SetDeadline(time.Time{})

	limit := c.effectiveLimit(msg.Limit)
	conn := NewRelayedConn(stream, relay, c.sw.LocalPeer(), source, limit)

	if err := l.enqueue(conn); err != nil {
		_ = conn.Close()
		return
	}

	c.sw.PublishEvent(types.EvtCircuitEstablished{Relay: relay, Peer: source})
	logger.Info("中继电路已建立（入站）",
		"relay", relay.ShortString(),
		"source", source.ShortString())
}

// effectiveLimit 合并中继声明与默认限制
func (c *Client) effectiveLimit(l *relaypb.Limit) relaypb.Limit {
	out := c.cfg.DefaultLimit
	if l != nil {
		if l.DurationSeconds > 0 {
			out.DurationSeconds = l.DurationSeconds
		}
		if l.Data > 0 {
			out.Data = l.Data
		}
	}
	return out
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
