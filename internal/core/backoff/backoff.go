// Package backoff 实现按节点的拨号退避
//
// 指数退避加随机抖动：失败次数越多，下次尝试越晚。
// 成功即清除；过期条目由周期清理回收。
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              配置
// ============================================================================

// Config 退避配置
type Config struct {
	// BaseDelay 首次失败后的基础延迟
	BaseDelay time.Duration

	// MaxDelay 延迟上限
	MaxDelay time.Duration

	// Jitter 抖动比例（0~1），实际延迟在 [d, d*(1+Jitter)] 内
	Jitter float64

	// EntryTTL 条目过期时间（距最后一次失败）
	EntryTTL time.Duration
}

// DefaultConfig 创建默认配置
func DefaultConfig() Config {
	return Config{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Minute,
		Jitter:    0.1,
		EntryTTL:  30 * time.Minute,
	}
}

// ============================================================================
//                              Backoff
// ============================================================================

// entry 单节点退避条目
type entry struct {
	attempts      int
	nextAttemptAt time.Time
	lastFailure   time.Time
}

// Backoff 按节点的拨号退避跟踪器
//
// 并发安全；所有操作同步返回。
type Backoff struct {
	mu      sync.Mutex
	entries map[types.PeerID]*entry
	cfg     Config
	clock   clock.Clock
	rng     *rand.Rand
}

// New 创建退避跟踪器
func New(cfg Config) *Backoff {
	return newWithClock(cfg, clock.New())
}

// newWithClock 以指定时钟创建（测试用）
func newWithClock(cfg Config, clk clock.Clock) *Backoff {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Backoff{
		entries: make(map[types.PeerID]*entry),
		cfg:     cfg,
		clock:   clk,
		rng:     rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// RecordSuccess 记录拨号成功，清除该节点的退避
func (b *Backoff) RecordSuccess(peer types.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, peer)
}

// RecordFailure 记录拨号失败，推迟下次尝试
func (b *Backoff) RecordFailure(peer types.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[peer]
	if e == nil {
		e = &entry{}
		b.entries[peer] = e
	}
	e.attempts++
	now := b.clock.Now()
	e.lastFailure = now
	e.nextAttemptAt = now.Add(b.delayLocked(e.attempts))
}

// Attempts 返回连续失败次数
func (b *Backoff) Attempts(peer types.PeerID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[peer]; e != nil {
		return e.attempts
	}
	return 0
}

// NextAttemptAt 返回下次允许尝试的时刻
//
// 无退避条目时返回零值时间。
func (b *Backoff) NextAttemptAt(peer types.PeerID) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[peer]; e != nil {
		return e.nextAttemptAt
	}
	return time.Time{}
}

// InBackoff 检查节点是否在退避期内
func (b *Backoff) InBackoff(peer types.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[peer]
	return e != nil && b.clock.Now().Before(e.nextAttemptAt)
}

// Delay 返回第 attempt 次失败对应的退避延迟（含抖动）
func (b *Backoff) Delay(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayLocked(attempt)
}

// delayLocked 计算退避延迟
//
// base * 2^(attempt-1)，封顶 MaxDelay，再加 [0, Jitter] 比例的抖动。
func (b *Backoff) delayLocked(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := b.cfg.BaseDelay * time.Duration(1<<uint(shift))
	if d > b.cfg.MaxDelay || d <= 0 {
		d = b.cfg.MaxDelay
	}
	if b.cfg.Jitter > 0 {
		d += time.Duration(b.rng.Float64() * b.cfg.Jitter * float64(d))
	}
	return d
}

// Cleanup 清理过期条目
func (b *Backoff) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	for peer, e := range b.entries {
		if now.Sub(e.lastFailure) > b.cfg.EntryTTL {
			delete(b.entries, peer)
		}
	}
}

// Clear 清空所有条目
func (b *Backoff) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[types.PeerID]*entry)
}

// Len 返回条目数（测试与诊断用）
func (b *Backoff) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
