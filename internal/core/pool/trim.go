package pool

import (
	"sort"
	"time"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// PinnedTag 带此标签的连接不参与修剪
const PinnedTag = "pinned"

// ============================================================================
//                              空闲检查
// ============================================================================

// IdleConnections 返回空闲超过阈值的活跃连接
func (p *Pool) IdleConnections(threshold time.Duration) []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var out []Info
	for _, m := range p.conns {
		if m.state.Kind != types.StateConnected {
			continue
		}
		if now.Sub(m.lastActivity) > threshold {
			out = append(out, m.snapshot())
		}
	}
	return out
}

// CleanupStaleEntries 移除断开已久的条目
//
// 返回被移除条目的快照。
func (p *Pool) CleanupStaleEntries(threshold time.Duration) []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var out []Info
	for _, m := range p.conns {
		switch m.state.Kind {
		case types.StateDisconnected, types.StateFailed:
		default:
			continue
		}
		if now.Sub(m.lastActivity) > threshold {
			out = append(out, m.snapshot())
			p.removeLocked(m)
		}
	}
	return out
}

// ============================================================================
//                              修剪
// ============================================================================

// TrimCandidate 修剪候选
type TrimCandidate struct {
	Info

	// Rank 候选在修剪序中的位置（0 最先被修剪）
	Rank int

	// TagCount 标签数
	TagCount int

	// IdleDuration 距最后活跃的时长
	IdleDuration time.Duration
}

// TrimReport 修剪计划
type TrimReport struct {
	// Candidates 按修剪序排列的候选
	Candidates []TrimCandidate

	// Target 需要削减的连接数
	Target int

	// Constrained 可修剪数不足以达成目标
	Constrained bool
}

// TrimReport 生成修剪计划
//
// 连接总数超过高水位时，目标为削减到低水位。
// 候选按稳定序排列：标签少者先、空闲久者先、入站先于出站。
// 带 PinnedTag 的连接不参与修剪。
func (p *Pool) TrimReport() TrimReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trimReportLocked()
}

func (p *Pool) trimReportLocked() TrimReport {
	total := p.inboundCount + p.outboundCount
	if p.cfg.HighWater <= 0 || total <= p.cfg.HighWater {
		return TrimReport{}
	}

	target := total - p.cfg.LowWater
	if target < 0 {
		target = 0
	}

	now := p.clock.Now()
	var candidates []TrimCandidate
	for _, m := range p.conns {
		if m.state.Kind != types.StateConnected {
			continue
		}
		if _, pinned := m.tags[PinnedTag]; pinned {
			continue
		}
		candidates = append(candidates, TrimCandidate{
			Info:         m.snapshot(),
			TagCount:     len(m.tags),
			IdleDuration: now.Sub(m.lastActivity),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.TagCount != b.TagCount {
			return a.TagCount < b.TagCount
		}
		if a.IdleDuration != b.IdleDuration {
			return a.IdleDuration > b.IdleDuration
		}
		// 入站先于出站
		return a.Direction == types.DirInbound && b.Direction != types.DirInbound
	})
	for i := range candidates {
		candidates[i].Rank = i
	}

	return TrimReport{
		Candidates:  candidates,
		Target:      target,
		Constrained: len(candidates) < target,
	}
}

// TrimIfNeeded 应用修剪计划
//
// 返回被移除的候选与执行前的计划
// （连接由调用方在锁外关闭）。
func (p *Pool) TrimIfNeeded() ([]TrimCandidate, TrimReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := p.trimReportLocked()
	if report.Target == 0 {
		return nil, report
	}

	n := report.Target
	if n > len(report.Candidates) {
		n = len(report.Candidates)
	}
	removed := report.Candidates[:n]
	for _, c := range removed {
		if m := p.conns[c.ID]; m != nil {
			p.removeLocked(m)
		}
	}
	return removed, report
}
