package client

import (
	"context"
	"sync"

	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// DefaultQueueSize 默认待接受电路队列长度
const DefaultQueueSize = 64

// Listener 中继监听器（客户端侧，按中继节点各一个）
//
// STOP 处理器入队，Accept 方出队；最多一个等待中的接受者：
// 已有等待者时，其他并发 Accept 立即返回 ErrAcceptInProgress，
// 不排队等待。关闭在有界时间内完成：
// 立即唤醒等待者并丢弃积压电路，不受底层超时影响。
type Listener struct {
	relay       types.PeerID
	reservation *Reservation

	mu       sync.Mutex
	queue    []*RelayedConn
	waiter   chan *RelayedConn // 至多一个
	closed   bool
	done     chan struct{}
	onClosed func(*Listener)
}

func newListener(relay types.PeerID, resv *Reservation, onClosed func(*Listener)) *Listener {
	return &Listener{
		relay:       relay,
		reservation: resv,
		done:        make(chan struct{}),
		onClosed:    onClosed,
	}
}

// Relay 返回中继节点 ID
func (l *Listener) Relay() types.PeerID {
	return l.relay
}

// Reservation 返回当前预留
func (l *Listener) Reservation() *Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservation
}

// Addrs 返回可公布的中继地址（<relayAddr>/p2p-circuit）
func (l *Listener) Addrs() []*types.Multiaddr {
	resv := l.Reservation()
	if resv == nil {
		return nil
	}
	var out []*types.Multiaddr
	for _, a := range resv.Addrs {
		circuit, err := types.NewMultiaddr(a.String() + "/p2p-circuit")
		if err != nil {
			continue
		}
		out = append(out, circuit)
	}
	return out
}

// updateReservation 更新预留（续约循环调用）
func (l *Listener) updateReservation(resv *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reservation = resv
}

// Accept 取出下一条入站电路
//
// 队列为空时挂起单个等待者；已有等待者时返回 ErrAcceptInProgress，
// 并发调用不排队。
// 监听器关闭时返回 ErrListenerClosed，取消时清除等待者，
// 监听器可被后续接受者复用。
func (l *Listener) Accept(ctx context.Context) (*RelayedConn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrListenerClosed
	}
	if len(l.queue) > 0 {
		conn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		return conn, nil
	}
	if l.waiter != nil {
		l.mu.Unlock()
		return nil, ErrAcceptInProgress
	}
	waiter := make(chan *RelayedConn, 1)
	l.waiter = waiter
	l.mu.Unlock()

	select {
	case conn := <-waiter:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		// 移除等待者，监听器可复用
		l.mu.Lock()
		if l.waiter == waiter {
			l.waiter = nil
		}
		l.mu.Unlock()
		// 竞态：取消与入队同时发生时把已交付的电路放回队列
		select {
		case conn := <-waiter:
			l.mu.Lock()
			l.queue = append([]*RelayedConn{conn}, l.queue...)
			l.mu.Unlock()
		default:
		}
		return nil, ctx.Err()
	}
}

// enqueue 入队一条入站电路（STOP 处理器调用）
//
// 有等待者直接交付；队列满时丢弃最旧的电路并记录。
// 已关闭的监听器拒绝入队。
func (l *Listener) enqueue(conn *RelayedConn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	if l.waiter != nil {
		waiter := l.waiter
		l.waiter = nil
		l.mu.Unlock()
		waiter <- conn
		return nil
	}
	var dropped *RelayedConn
	if len(l.queue) >= DefaultQueueSize {
		dropped = l.queue[0]
		l.queue = l.queue[1:]
	}
	l.queue = append(l.queue, conn)
	l.mu.Unlock()

	if dropped != nil {
		logger.Warn("中继监听队列已满，丢弃最旧电路",
			"relay", log.TruncateID(string(l.relay), 8))
		_ = dropped.Close()
	}
	return nil
}

// Close 关闭监听器
//
// 幂等；在有界时间内完成：唤醒等待者、丢弃积压电路、
// 从客户端注册表移除。
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	queued := l.queue
	l.queue = nil
	l.waiter = nil
	close(l.done)
	l.mu.Unlock()

	for _, conn := range queued {
		_ = conn.Close()
	}
	if l.onClosed != nil {
		l.onClosed(l)
	}
	return nil
}

// isClosed 检查关闭状态
func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
