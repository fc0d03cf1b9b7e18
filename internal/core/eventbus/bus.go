// Package eventbus 实现 Swarm 事件广播器
//
// 单一事件流、多订阅者。每个订阅者持有独立的有界缓冲，
// 慢消费者不会阻塞发布方：缓冲满时丢弃最旧事件，
// 每个积压突发只告警一次。
// 同一订阅者看到的事件保持发布顺序。
package eventbus

import (
	"sync"

	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("core/eventbus")

// DefaultBuffer 默认订阅缓冲大小
const DefaultBuffer = 64

// Bus 事件广播器
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus 创建事件广播器
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe 订阅事件流
//
// 广播器已关闭时返回的订阅立即处于关闭状态
// （订阅/关闭竞态下调用方无需特判）。
func (b *Bus) Subscribe(opts ...SubOption) *Subscription {
	settings := subSettings{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&settings)
	}

	sub := &Subscription{
		bus: b,
		out: make(chan types.SwarmEvent, settings.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.out)
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Emit 发布事件
//
// 对每个订阅者：缓冲有空位直接入队；满则弹出最旧事件再入队。
// 进入丢弃状态的瞬间告警一次，恢复投递后重置。
func (b *Bus) Emit(evt types.SwarmEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.out <- evt:
			sub.dropping = false
		default:
			// 缓冲已满：丢最旧，保最新
			select {
			case <-sub.out:
			default:
			}
			select {
			case sub.out <- evt:
			default:
			}
			if !sub.dropping {
				sub.dropping = true
				logger.Warn("事件订阅者积压，丢弃最旧事件", "buffer", cap(sub.out))
			}
		}
	}
}

// Close 关闭广播器并结束所有订阅
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.out)
		}
	}
	b.subs = make(map[*Subscription]struct{})
}

// unsubscribe 移除订阅（由 Subscription.Close 调用）
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.out)
	}
}

// ============================================================================
//                              Subscription
// ============================================================================

// Subscription 事件订阅
type Subscription struct {
	bus      *Bus
	out      chan types.SwarmEvent
	closed   bool // 由 bus.mu 保护
	dropping bool // 由 bus.mu 保护
}

// Out 返回事件通道
//
// 广播器或订阅关闭后通道被 close。
func (s *Subscription) Out() <-chan types.SwarmEvent {
	return s.out
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// ============================================================================
//                              选项
// ============================================================================

type subSettings struct {
	buffer int
}

// SubOption 订阅选项
type SubOption func(*subSettings)

// WithBuffer 设置订阅缓冲大小
func WithBuffer(n int) SubOption {
	return func(s *subSettings) {
		if n > 0 {
			s.buffer = n
		}
	}
}
