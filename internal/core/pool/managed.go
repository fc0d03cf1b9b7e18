package pool

import (
	"context"
	"sync"
	"time"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              受管连接
// ============================================================================

// managedConn 池内受管连接（内部可变状态，由池锁保护）
type managedConn struct {
	id        string
	peer      types.PeerID
	addr      *types.Multiaddr
	direction types.Direction
	isLimited bool

	state types.ConnState
	conn  ifc.MuxedConn // 仅 StateConnected 时非空

	connectedAt  time.Time
	lastActivity time.Time
	retryCount   int
	tags         map[string]struct{}

	reconnectAddr *types.Multiaddr // 非空表示启用自动重连
}

// Info 受管连接快照
//
// 对外暴露的只读副本；Conn 字段仅在 StateConnected 时非空。
type Info struct {
	ID        string
	Peer      types.PeerID
	Addr      *types.Multiaddr
	Direction types.Direction
	IsLimited bool

	State types.ConnState
	Conn  ifc.MuxedConn

	ConnectedAt   time.Time
	LastActivity  time.Time
	RetryCount    int
	Tags          []string
	ReconnectAddr *types.Multiaddr
}

// snapshot 生成快照
func (m *managedConn) snapshot() Info {
	tags := make([]string, 0, len(m.tags))
	for tag := range m.tags {
		tags = append(tags, tag)
	}
	return Info{
		ID:            m.id,
		Peer:          m.peer,
		Addr:          m.addr,
		Direction:     m.direction,
		IsLimited:     m.isLimited,
		State:         m.state,
		Conn:          m.conn,
		ConnectedAt:   m.connectedAt,
		LastActivity:  m.lastActivity,
		RetryCount:    m.retryCount,
		Tags:          tags,
		ReconnectAddr: m.reconnectAddr,
	}
}

// ============================================================================
//                              DialTask - 拨号任务
// ============================================================================

// DialTask 进行中的拨号任务
//
// 对同一节点的并发拨号通过 Join 合流：后来者等待首个任务的结果。
type DialTask struct {
	peer types.PeerID
	done chan struct{}
	once sync.Once

	conn ifc.MuxedConn
	err  error
}

// NewDialTask 创建拨号任务
func NewDialTask(peer types.PeerID) *DialTask {
	return &DialTask{
		peer: peer,
		done: make(chan struct{}),
	}
}

// Peer 返回目标节点
func (t *DialTask) Peer() types.PeerID {
	return t.peer
}

// Complete 结束任务并唤醒所有等待者
//
// 幂等：仅首次调用生效。
func (t *DialTask) Complete(conn ifc.MuxedConn, err error) {
	t.once.Do(func() {
		t.conn = conn
		t.err = err
		close(t.done)
	})
}

// Cancel 以取消错误结束任务
func (t *DialTask) Cancel() {
	t.Complete(nil, context.Canceled)
}

// Wait 等待任务结果
func (t *DialTask) Wait(ctx context.Context) (ifc.MuxedConn, error) {
	select {
	case <-t.done:
		return t.conn, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
