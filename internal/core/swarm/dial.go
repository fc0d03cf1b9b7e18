package swarm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexp2p/go-nexp2p/internal/core/pool"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// Dial 拨号建立出站连接
//
// 地址可携带尾部 /p2p/<PeerID>；携带时作为期望身份参与
// 待决拨号合流与握手校验。返回对端节点 ID。
func (s *Swarm) Dial(ctx context.Context, addr *types.Multiaddr) (types.PeerID, error) {
	if !s.isRunning() {
		return "", ErrSwarmClosed
	}

	transportAddr, expectedPeer := types.SplitMultiaddr(addr)

	// 地址内嵌本地身份：拒绝自拨
	if expectedPeer == s.localPeer {
		return "", ErrDialToSelf
	}

	// 闸门：dial 阶段
	if s.gater != nil && !s.gater.InterceptDial(expectedPeer, addr) {
		s.emit(types.EvtGated{Peer: expectedPeer, Addr: addr, Stage: types.GateDial})
		return "", types.NewGatedError(types.GateDial, expectedPeer)
	}

	// 已知目标节点时合流待决拨号
	if !expectedPeer.IsEmpty() {
		if task := s.pool.PendingDial(expectedPeer); task != nil {
			conn, err := task.Wait(ctx)
			if err != nil {
				return "", err
			}
			return conn.RemotePeer(), nil
		}
	}

	// 出站容量
	if !s.pool.CanDialOutbound() {
		return "", ErrConnectionLimit
	}

	// 选择传输层
	tr := s.transportFor(transportAddr)
	if tr == nil {
		return "", fmt.Errorf("%w: %s", ErrNoTransport, addr)
	}

	// 注册待决拨号与建立中的条目
	var task *pool.DialTask
	if !expectedPeer.IsEmpty() {
		task = pool.NewDialTask(expectedPeer)
		if existing, registered := s.pool.RegisterPendingDial(task); !registered {
			conn, err := existing.Wait(ctx)
			if err != nil {
				return "", err
			}
			return conn.RemotePeer(), nil
		}
		defer s.pool.RemovePendingDial(expectedPeer)
	}
	entryID := s.pool.AddConnecting(expectedPeer, addr, types.DirOutbound)
	s.emit(types.EvtDialing{Peer: expectedPeer})

	conn, err := s.dialAndUpgrade(ctx, tr, transportAddr, expectedPeer)
	if err != nil {
		s.pool.Remove(entryID)
		if task != nil {
			task.Complete(nil, err)
		}
		if !expectedPeer.IsEmpty() {
			s.dialBackoff.RecordFailure(expectedPeer)
		}
		s.metrics.DialCompleted(false)
		s.emit(types.EvtOutgoingConnectionError{Peer: expectedPeer, Err: err})
		return "", err
	}

	peer, err := s.finishOutbound(conn, entryID, addr, types.IsCircuitAddr(addr))
	if err != nil {
		// 被同时连接裁决取代：另一条连接存活，视为拨号成功
		if errors.Is(err, ErrSuperseded) {
			if surviving := s.pool.Connection(peer); surviving != nil {
				if task != nil {
					task.Complete(surviving, nil)
				}
				s.metrics.DialCompleted(true)
				return peer, nil
			}
		}
		if task != nil {
			task.Complete(nil, err)
		}
		s.metrics.DialCompleted(false)
		s.emit(types.EvtOutgoingConnectionError{Peer: expectedPeer, Err: err})
		return "", err
	}

	if task != nil {
		task.Complete(conn, nil)
	}
	s.metrics.DialCompleted(true)
	return peer, nil
}

// transportFor 选择首个能处理该地址的传输层
func (s *Swarm) transportFor(addr *types.Multiaddr) ifc.Transport {
	for _, tr := range s.transports {
		if tr.CanDial(addr) {
			return tr
		}
	}
	return nil
}

// dialAndUpgrade 拨号并完成升级
//
// 集成安全的传输直接产出已升级连接；
// 标准传输产出原始连接后走升级器（发起方角色）。
func (s *Swarm) dialAndUpgrade(ctx context.Context, tr ifc.Transport, addr *types.Multiaddr, expectedPeer types.PeerID) (ifc.MuxedConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	if st, ok := tr.(ifc.SecuredTransport); ok {
		return st.DialSecured(dialCtx, addr, s.keyPair)
	}

	raw, err := tr.Dial(dialCtx, addr)
	if err != nil {
		return nil, err
	}
	return s.upgrader.Upgrade(dialCtx, raw, s.keyPair, types.DirOutbound, expectedPeer)
}

// finishOutbound 出站连接的握手后收尾
//
// 将建立中的条目置为已连接（或在条目已丢失时重新入池），
// 执行与 AddConn 相同的检查序列。
func (s *Swarm) finishOutbound(conn ifc.MuxedConn, entryID string, addr *types.Multiaddr, isLimited bool) (types.PeerID, error) {
	remote := conn.RemotePeer()

	// 握手暴露自连
	if remote == s.localPeer {
		conn.Close()
		s.pool.Remove(entryID)
		return "", ErrDialToSelf
	}

	// 闸门：secured 阶段
	if s.gater != nil && !s.gater.InterceptSecured(remote, types.DirOutbound) {
		s.emit(types.EvtGated{Peer: remote, Addr: addr, Stage: types.GateSecured})
		conn.Close()
		s.pool.Remove(entryID)
		return "", types.NewGatedError(types.GateSecured, remote)
	}

	// 单节点容量
	if !s.pool.CanConnectTo(remote) {
		conn.Close()
		s.pool.Remove(entryID)
		return "", fmt.Errorf("%w: peer %s", ErrConnectionLimit, remote.ShortString())
	}

	// 资源预留
	if s.rcmgr != nil {
		if err := s.rcmgr.ReserveOutboundConnection(remote); err != nil {
			conn.Close()
			s.pool.Remove(entryID)
			return "", err
		}
	}

	// 建立中的条目转为已连接。
	// 地址未内嵌身份时条目登记在空 PeerID 下，
	// 握手揭示身份后重新按对端入池。
	if info, ok := s.pool.ManagedConn(entryID); !ok || info.Peer != remote {
		s.pool.Remove(entryID)
		entryID = s.pool.Add(conn, remote, addr, types.DirOutbound, isLimited)
	} else if err := s.pool.UpdateConnection(entryID, conn); err != nil {
		// 条目已被并发清理：重新入池
		entryID = s.pool.Add(conn, remote, addr, types.DirOutbound, isLimited)
	}
	s.metrics.ConnOpened(types.DirOutbound)
	s.dialBackoff.RecordSuccess(remote)

	// 策略允许时启用自动重连
	if s.cfg.Pool.ReconnectPolicy != nil &&
		s.cfg.Pool.ReconnectPolicy.ShouldReconnect(1, types.ReasonRemoteClose) {
		s.pool.EnableAutoReconnect(remote, addr)
	}

	// 同时连接裁决先于事件发布
	if !s.resolveSimultaneous(remote, entryID) {
		return remote, ErrSuperseded
	}

	s.startConnTasks(entryID, conn)

	s.emitPeerConnected(remote)
	s.emit(types.EvtConnected{Peer: remote, Addr: addr, Direction: types.DirOutbound})

	logger.Info("出站连接已建立", "peer", remote.ShortString(), "addr", addr)
	return remote, nil
}
