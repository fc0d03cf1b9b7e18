package swarm

import (
	"context"
	"fmt"

	"github.com/nexp2p/go-nexp2p/internal/core/multistream"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              入站流泵
// ============================================================================

// startConnTasks 启动连接的入站流泵
//
// 必须先于 peerConnected / connected 事件发布，
// 保证对端立刻打开的流不被丢弃。
func (s *Swarm) startConnTasks(entryID string, conn ifc.MuxedConn) {
	s.wg.Add(1)
	go s.inboundStreamPump(entryID, conn)
}

// inboundStreamPump 入站流泵
//
// 循环接受连接上的入站子流；连接关闭后按原因进入
// 断开处理（可能触发重连调度）。
func (s *Swarm) inboundStreamPump(entryID string, conn ifc.MuxedConn) {
	defer s.wg.Done()

	for {
		stream, err := conn.AcceptStream()
		if err != nil {
			break
		}
		s.pool.TouchActivity(entryID)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInboundStream(entryID, conn, stream)
		}()
	}

	if !s.isRunning() {
		return
	}
	s.handleConnClosed(entryID, conn)
}

// handleInboundStream 处理一条入站子流
//
// 协商受全 Swarm 信号量约束；信号量在协商返回后、
// 处理器分发前释放（处理器之间互为客户，不受限）。
// 流的资源预留在所有退出路径上释放。
func (s *Swarm) handleInboundStream(entryID string, conn ifc.MuxedConn, stream ifc.MuxedStream) {
	remote := conn.RemotePeer()

	// 1. 协商信号量
	ctx := s.ctx
	if err := s.negSem.Acquire(ctx, 1); err != nil {
		_ = stream.Reset()
		return
	}

	// 2. 流资源预留（所有退出路径配对释放，恰好一次）
	releaseStream := func() {
		if s.rcmgr != nil {
			s.rcmgr.ReleaseStream(remote, types.DirInbound)
		}
		s.metrics.StreamClosed()
	}
	if s.rcmgr != nil {
		if err := s.rcmgr.ReserveInboundStream(remote); err != nil {
			s.negSem.Release(1)
			logger.Debug("入站流资源预留失败", "peer", remote.ShortString(), "error", err)
			_ = stream.Reset()
			return
		}
	}
	s.metrics.StreamOpened()

	// 3. 协议协商
	res, err := multistream.Handle(stream, s.supportedProtocols())

	// 4. 协商返回即释放信号量（流预留保持到处理结束）
	s.negSem.Release(1)

	if err != nil {
		logger.Debug("入站流协商失败", "peer", remote.ShortString(), "error", err)
		_ = stream.Reset()
		releaseStream()
		return
	}

	handler := s.handlerFor(res.Protocol)
	if handler == nil {
		_ = stream.Reset()
		releaseStream()
		return
	}

	// 5. 回放剩余字节并分发
	wrapped := &trackedStream{
		MuxedStream: wrapStreamRemainder(stream, res.Remainder),
		release:     releaseStream,
	}
	s.pool.TouchActivity(entryID)

	// 处理器正常返回后流的所有权归处理器（可能已转交他处）；
	// 仅 panic 时尽力关闭。
	defer func() {
		if r := recover(); r != nil {
			logger.Error("流处理器 panic", "protocol", res.Protocol, "panic", r)
			_ = wrapped.Close()
		}
	}()

	handler(ifc.StreamContext{
		Stream:     wrapped,
		ProtocolID: res.Protocol,
		LocalPeer:  s.localPeer,
		RemotePeer: remote,
		LocalAddr:  conn.LocalMultiaddr(),
		RemoteAddr: conn.RemoteMultiaddr(),
	})
}

// ============================================================================
//                              出站流
// ============================================================================

// NewStream 在与节点的连接上打开协商完成的子流
func (s *Swarm) NewStream(ctx context.Context, peer types.PeerID, proto types.ProtocolID) (ifc.MuxedStream, error) {
	if !s.isRunning() {
		return nil, ErrSwarmClosed
	}

	conn := s.pool.Connection(peer)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peer.ShortString())
	}

	// 流资源预留（Close / Reset 时释放，恰好一次）
	releaseStream := func() {
		if s.rcmgr != nil {
			s.rcmgr.ReleaseStream(peer, types.DirOutbound)
		}
		s.metrics.StreamClosed()
	}
	if s.rcmgr != nil {
		if err := s.rcmgr.ReserveOutboundStream(peer); err != nil {
			return nil, err
		}
	}
	s.metrics.StreamOpened()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		releaseStream()
		return nil, err
	}

	res, err := multistream.Negotiate(stream, []types.ProtocolID{proto})
	if err != nil {
		_ = stream.Reset()
		releaseStream()
		return nil, fmt.Errorf("%w: %w", types.ErrProtocolNegotiationFailed, err)
	}

	return &trackedStream{
		MuxedStream: wrapStreamRemainder(stream, res.Remainder),
		release:     releaseStream,
	}, nil
}

// ============================================================================
//                              流包装
// ============================================================================

// streamWithRemainder 带剩余字节回放的子流
type streamWithRemainder struct {
	ifc.MuxedStream
	rem []byte
}

func wrapStreamRemainder(stream ifc.MuxedStream, remainder []byte) ifc.MuxedStream {
	if len(remainder) == 0 {
		return stream
	}
	return &streamWithRemainder{MuxedStream: stream, rem: remainder}
}

func (s *streamWithRemainder) Read(p []byte) (int, error) {
	if len(s.rem) > 0 {
		n := copy(p, s.rem)
		s.rem = s.rem[n:]
		return n, nil
	}
	return s.MuxedStream.Read(p)
}

// trackedStream 带资源释放的子流
//
// Close / Reset 时释放流的资源预留；释放恰好一次。
type trackedStream struct {
	ifc.MuxedStream
	release func()
	done    bool
}

func (s *trackedStream) Close() error {
	err := s.MuxedStream.Close()
	s.releaseOnce()
	return err
}

func (s *trackedStream) Reset() error {
	err := s.MuxedStream.Reset()
	s.releaseOnce()
	return err
}

func (s *trackedStream) releaseOnce() {
	if s.done {
		return
	}
	s.done = true
	if s.release != nil {
		s.release()
	}
}
