package swarm

import (
	"context"
	"fmt"

	tec "github.com/jbenet/go-temp-err-catcher"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/multiaddr"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// activeListener 绑定成功的监听器
//
// 两种形态：raw 产出 RawConn（走升级器），
// secured 产出已完成握手的 MuxedConn（跳过升级）。
type activeListener struct {
	addr     *types.Multiaddr
	listener interface{ Close() error }
}

// startListeners 绑定所有配置的监听地址
func (s *Swarm) startListeners() error {
	s.mu.Lock()
	configured := append([]*types.Multiaddr(nil), s.configuredAddrs...)
	s.mu.Unlock()

	bound := 0
	for _, addr := range configured {
		for _, tr := range s.transports {
			if !tr.CanListen(addr) {
				continue
			}

			if st, ok := tr.(ifc.SecuredTransport); ok {
				l, err := st.ListenSecured(addr, s.keyPair)
				if err != nil {
					logger.Warn("绑定监听地址失败", "addr", addr, "error", err)
					s.emit(types.EvtListenError{Addr: addr, Err: err})
					continue
				}
				s.registerListener(l.Multiaddr(), l)
				s.wg.Add(1)
				go s.acceptLoopSecured(l)
			} else {
				l, err := tr.Listen(addr)
				if err != nil {
					logger.Warn("绑定监听地址失败", "addr", addr, "error", err)
					s.emit(types.EvtListenError{Addr: addr, Err: err})
					continue
				}
				s.registerListener(l.Multiaddr(), l)
				s.wg.Add(1)
				go s.acceptLoopRaw(l)
			}
			bound++
			break
		}
	}

	if len(configured) > 0 && bound == 0 {
		return fmt.Errorf("%w: %d addresses configured", ErrNoListeners, len(configured))
	}
	return nil
}

// registerListener 登记监听器并发布地址
//
// 通配绑定（0.0.0.0 / ::）展开为实际接口地址后对外公布。
func (s *Swarm) registerListener(actual *types.Multiaddr, l interface{ Close() error }) {
	resolved := multiaddr.ResolveUnspecified(actual)

	s.mu.Lock()
	s.listeners = append(s.listeners, &activeListener{addr: actual, listener: l})
	s.listenAddrs = append(s.listenAddrs, resolved...)
	s.mu.Unlock()

	s.emit(types.EvtNewListenAddr{Addr: actual})
	logger.Info("监听地址已绑定", "addr", actual)
}

// ListenAddrs 返回对外公布的监听地址
func (s *Swarm) ListenAddrs() []*types.Multiaddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Multiaddr(nil), s.listenAddrs...)
}

// ============================================================================
//                              接受循环
// ============================================================================

// acceptLoopRaw raw 监听器的接受循环
//
// 每个接受的原始连接派生一个升级任务；临时错误容忍继续。
func (s *Swarm) acceptLoopRaw(l ifc.Listener) {
	defer s.wg.Done()
	for {
		raw, err := l.Accept()
		if err != nil {
			if tec.ErrIsTemporary(err) {
				logger.Debug("接受连接临时错误", "error", err)
				continue
			}
			return
		}
		if !s.isRunning() {
			raw.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRawInbound(raw)
		}()
	}
}

// acceptLoopSecured secured 监听器的接受循环
func (s *Swarm) acceptLoopSecured(l ifc.SecuredListener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if tec.ErrIsTemporary(err) {
				continue
			}
			return
		}
		if !s.isRunning() {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.AddConn(conn, types.DirInbound, types.IsCircuitAddr(conn.RemoteMultiaddr())); err != nil {
				logger.Debug("入站连接被拒绝", "error", err)
			}
		}()
	}
}

// handleRawInbound 处理一条入站原始连接
//
// 背景任务：错误不上抛，记日志并发事件后继续。
func (s *Swarm) handleRawInbound(raw ifc.RawConn) {
	remoteAddr := raw.RemoteMultiaddr()

	// 闸门：accept 阶段
	if s.gater != nil && !s.gater.InterceptAccept(remoteAddr) {
		s.emit(types.EvtGated{Addr: remoteAddr, Stage: types.GateAccept})
		raw.Close()
		return
	}

	// 入站容量
	if !s.pool.CanAcceptInbound() {
		logger.Debug("入站连接数达到上限，拒绝", "addr", remoteAddr)
		s.emit(types.EvtConnectionError{Err: ErrConnectionLimit})
		raw.Close()
		return
	}

	// 升级（应答方）
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.upgrader.Upgrade(ctx, raw, s.keyPair, types.DirInbound, "")
	if err != nil {
		logger.Debug("入站连接升级失败", "addr", remoteAddr, "error", err)
		s.emit(types.EvtConnectionError{Err: err})
		return
	}

	if _, err := s.AddConn(conn, types.DirInbound, types.IsCircuitAddr(remoteAddr)); err != nil {
		logger.Debug("入站连接被拒绝", "addr", remoteAddr, "error", err)
	}
}

// ============================================================================
//                              连接入池（公共路径）
// ============================================================================

// AddConn 将升级完成的连接纳入管理
//
// 拨号、接受与中继监听共用的入池路径：
// 自连/闸门/容量/资源检查 → 入池 → 同时连接裁决 →
// 启动入站流泵 → 发布事件（先泵后事件，保证不丢流）。
func (s *Swarm) AddConn(conn ifc.MuxedConn, dir types.Direction, isLimited bool) (string, error) {
	if !s.isRunning() {
		conn.Close()
		return "", ErrSwarmClosed
	}

	remote := conn.RemotePeer()

	// 握手后自连检查
	if remote == s.localPeer {
		conn.Close()
		return "", ErrDialToSelf
	}

	// 闸门：secured 阶段
	if s.gater != nil && !s.gater.InterceptSecured(remote, dir) {
		s.emit(types.EvtGated{Peer: remote, Addr: conn.RemoteMultiaddr(), Stage: types.GateSecured})
		conn.Close()
		return "", types.NewGatedError(types.GateSecured, remote)
	}

	// 全局与单节点容量
	if dir == types.DirInbound && !s.pool.CanAcceptInbound() {
		conn.Close()
		return "", ErrConnectionLimit
	}
	if !s.pool.CanConnectTo(remote) {
		conn.Close()
		return "", fmt.Errorf("%w: peer %s", ErrConnectionLimit, remote.ShortString())
	}

	// 资源预留
	if s.rcmgr != nil {
		var err error
		if dir == types.DirInbound {
			err = s.rcmgr.ReserveInboundConnection(remote)
		} else {
			err = s.rcmgr.ReserveOutboundConnection(remote)
		}
		if err != nil {
			conn.Close()
			return "", err
		}
	}

	id := s.pool.Add(conn, remote, conn.RemoteMultiaddr(), dir, isLimited)
	s.metrics.ConnOpened(dir)
	s.dialBackoff.RecordSuccess(remote)

	// 同时连接裁决先于事件发布
	if !s.resolveSimultaneous(remote, id) {
		return "", ErrSuperseded
	}

	// 入站流泵先于事件发布，保证新流不被丢弃
	s.startConnTasks(id, conn)

	s.emitPeerConnected(remote)
	s.emit(types.EvtConnected{Peer: remote, Addr: conn.RemoteMultiaddr(), Direction: dir})

	logger.Info("连接已建立",
		"peer", remote.ShortString(),
		"direction", dir,
		"limited", isLimited)
	return id, nil
}

// resolveSimultaneous 同时连接裁决
//
// 同一节点的多条并发连接只保留一条。胜出方向由 PeerID
// 全序决定（localPeer < remotePeer 保留出站，否则保留入站），
// 规则对称，两端各自计算得到同一结果。
// 同方向多条时保留 connectedAt 最早的一条。
// 返回 keepID 对应的连接是否存活。
func (s *Swarm) resolveSimultaneous(peer types.PeerID, keepID string) bool {
	conns := s.pool.ConnectedManagedConns(peer)
	if len(conns) <= 1 {
		return true
	}

	winnerDir := types.DirInbound
	if s.localPeer.Less(peer) {
		winnerDir = types.DirOutbound
	}

	// 优先保留胜出方向中最早建立的；无胜出方向则保留最早的
	winner := -1
	for i, c := range conns {
		if c.Direction != winnerDir {
			continue
		}
		if winner == -1 || c.ConnectedAt.Before(conns[winner].ConnectedAt) {
			winner = i
		}
	}
	if winner == -1 {
		winner = 0
		for i, c := range conns {
			if c.ConnectedAt.Before(conns[winner].ConnectedAt) {
				winner = i
			}
		}
	}

	for i, c := range conns {
		if i == winner {
			continue
		}
		if removed, ok := s.pool.Remove(c.ID); ok {
			if removed.Conn != nil {
				_ = removed.Conn.Close()
			}
			s.releaseConnResources(removed)
			logger.Debug("同时连接裁决：关闭冗余连接",
				"peer", peer.ShortString(),
				"direction", removed.Direction)
		}
	}
	return conns[winner].ID == keepID
}
