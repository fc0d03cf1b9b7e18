package swarm

import (
	"context"
	"errors"
	"time"

	"github.com/nexp2p/go-nexp2p/internal/core/multistream"
	"github.com/nexp2p/go-nexp2p/internal/core/upgrader"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// handleConnClosed 已建立连接被对端关闭后的处理
//
// 入站流泵退出时调用。更新状态、发布事件，
// 并在策略允许且本端为裁决小方时调度重连。
func (s *Swarm) handleConnClosed(entryID string, conn interface{ RemotePeer() types.PeerID }) {
	info, ok := s.pool.ManagedConn(entryID)
	if !ok {
		// 条目已被移除（修剪、裁决或关停路径已处理）
		return
	}

	// 已有重连调度在途
	if info.State.Kind == types.StateReconnecting {
		return
	}

	peer := info.Peer
	if peer.IsEmpty() {
		peer = conn.RemotePeer()
	}

	// 释放资源、更新状态
	s.releaseConnResources(info)
	s.pool.ResetRetryCountIfStable(entryID, s.cfg.StableConnDuration)
	s.pool.UpdateState(entryID, types.ConnState{
		Kind:   types.StateDisconnected,
		Reason: types.ReasonRemoteClose,
	})

	s.emit(types.EvtDisconnected{Peer: peer, Reason: types.ReasonRemoteClose})
	s.emitPeerDisconnectedIfGone(peer)

	logger.Info("连接被对端关闭", "peer", peer.ShortString())

	// 对称裁决：仅 PeerID 较小的一端发起重连，
	// 避免双端同时重拨再次产生同时连接。
	if !s.localPeer.Less(peer) {
		return
	}
	if s.pool.ReconnectAddr(peer) == nil {
		return
	}

	s.scheduleReconnect(entryID, peer, types.ReasonRemoteClose)
}

// scheduleReconnect 调度一次重连尝试
func (s *Swarm) scheduleReconnect(entryID string, peer types.PeerID, reason types.DisconnectReason) {
	info, ok := s.pool.ManagedConn(entryID)
	if !ok {
		return
	}

	attempt := info.RetryCount + 1
	policy := s.cfg.Pool.ReconnectPolicy
	if policy == nil || !policy.ShouldReconnect(attempt, reason) {
		s.pool.UpdateState(entryID, types.ConnState{Kind: types.StateFailed, Reason: reason})
		s.emit(types.EvtReconnectionFailed{Peer: peer, Reason: reason})
		return
	}

	delay := s.dialBackoff.Delay(attempt - 1)
	nextAt := time.Now().Add(delay)

	s.pool.UpdateState(entryID, types.ConnState{
		Kind:          types.StateReconnecting,
		Attempt:       attempt,
		NextAttemptAt: nextAt,
	})
	s.pool.IncrementRetryCount(entryID)
	s.emit(types.EvtReconnecting{Peer: peer, Attempt: attempt, NextAttemptAt: nextAt})

	logger.Info("重连已调度",
		"peer", peer.ShortString(),
		"attempt", attempt,
		"delay", delay)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.performReconnect(entryID, peer, attempt)
		case <-s.ctx.Done():
		}
	}()
}

// performReconnect 执行一次重连
func (s *Swarm) performReconnect(entryID string, peer types.PeerID, attempt int) {
	if !s.isRunning() {
		return
	}

	// 重连意愿可能已被取消
	addr := s.pool.ReconnectAddr(peer)
	if addr == nil {
		s.pool.UpdateState(entryID, types.ConnState{Kind: types.StateDisconnected, Reason: types.ReasonRemoteClose})
		return
	}

	// 另一条路径已经连上
	if s.pool.IsConnected(peer) {
		s.pool.Remove(entryID)
		return
	}

	transportAddr, _ := types.SplitMultiaddr(addr)
	tr := s.transportFor(transportAddr)
	if tr == nil {
		s.reconnectFailed(entryID, peer, attempt, types.ReasonTransportError)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, err := s.dialAndUpgrade(ctx, tr, transportAddr, peer)
	cancel()
	if err != nil {
		// 退避按期望的节点记账（握手未完成，对端身份未知）
		s.dialBackoff.RecordFailure(peer)
		s.metrics.ReconnectCompleted(false)
		reason := types.ReasonTransportError
		if errors.Is(err, upgrader.ErrSecurityNegotiation) ||
			errors.Is(err, upgrader.ErrMuxerNegotiation) ||
			errors.Is(err, multistream.ErrNoProtocolMatched) {
			reason = types.ReasonProtocolError
		}
		s.reconnectFailed(entryID, peer, attempt, reason)
		return
	}

	// 身份核对：必须连回同一节点
	if conn.RemotePeer() != peer {
		conn.Close()
		s.metrics.ReconnectCompleted(false)
		s.reconnectFailed(entryID, peer, attempt, types.ReasonProtocolError)
		return
	}

	// 资源预留
	if s.rcmgr != nil {
		if err := s.rcmgr.ReserveOutboundConnection(peer); err != nil {
			conn.Close()
			s.metrics.ReconnectCompleted(false)
			s.reconnectFailed(entryID, peer, attempt, types.ReasonTransportError)
			return
		}
	}

	// 原地更新条目
	if err := s.pool.UpdateConnection(entryID, conn); err != nil {
		entryID = s.pool.Add(conn, peer, addr, types.DirOutbound, types.IsCircuitAddr(addr))
	}
	s.metrics.ConnOpened(types.DirOutbound)
	s.pool.ResetRetryCount(entryID)
	// 成功按期望的节点记账（而非握手报告的节点）
	s.dialBackoff.RecordSuccess(peer)
	s.metrics.ReconnectCompleted(true)

	s.startConnTasks(entryID, conn)

	s.emitPeerConnected(peer)
	s.emit(types.EvtReconnected{Peer: peer, Attempt: attempt})

	logger.Info("重连成功", "peer", peer.ShortString(), "attempt", attempt)
}

// reconnectFailed 重连失败：再次咨询策略，续排或放弃
func (s *Swarm) reconnectFailed(entryID string, peer types.PeerID, attempt int, reason types.DisconnectReason) {
	logger.Warn("重连失败",
		"peer", peer.ShortString(),
		"attempt", attempt,
		"reason", reason)
	s.scheduleReconnect(entryID, peer, reason)
}
