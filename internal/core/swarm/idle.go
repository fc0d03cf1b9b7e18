package swarm

import (
	"context"
	"time"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// idleLoop 周期空闲检查任务
//
// 周期为 IdleTimeout 的一半：
//  1. 关闭超过空闲阈值的连接
//  2. 应用修剪计划
//  3. 清理断开已久的条目与过期退避
func (s *Swarm) idleLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Pool.IdleTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.idleCheck()
		}
	}
}

// idleCheck 执行一轮空闲检查
func (s *Swarm) idleCheck() {
	idleTimeout := s.cfg.Pool.IdleTimeout

	// 1. 空闲连接关闭
	for _, info := range s.pool.IdleConnections(idleTimeout) {
		if removed, ok := s.pool.Remove(info.ID); ok {
			if removed.Conn != nil {
				_ = removed.Conn.Close()
			}
			s.releaseConnResources(removed)
			s.emit(types.EvtDisconnected{Peer: removed.Peer, Reason: types.ReasonIdleTimeout})
			s.emitPeerDisconnectedIfGone(removed.Peer)
			logger.Debug("空闲连接已关闭", "peer", removed.Peer.ShortString())
		}
	}

	// 2. 修剪
	removed, report := s.pool.TrimIfNeeded()
	if report.Constrained {
		s.emit(types.EvtTrimConstrained{Target: report.Target, Trimmable: len(report.Candidates)})
	}
	for _, c := range removed {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
		s.releaseConnResources(c.Info)
		s.metrics.ConnTrimmed()
		s.emit(types.EvtTrimmed{Peer: c.Peer, ConnID: c.ID})
		s.emit(types.EvtTrimmedWithContext{
			Peer:         c.Peer,
			ConnID:       c.ID,
			Rank:         c.Rank,
			TagCount:     c.TagCount,
			IdleDuration: c.IdleDuration,
			Direction:    c.Direction,
		})
		s.emitPeerDisconnectedIfGone(c.Peer)
	}

	// 3. 陈旧条目与退避清理
	s.pool.CleanupStaleEntries(idleTimeout)
	s.dialBackoff.Cleanup()
}
