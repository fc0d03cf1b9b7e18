package pool

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// fakeConn 测试用多路复用连接
type fakeConn struct {
	remote types.PeerID
	closed bool
}

func (c *fakeConn) OpenStream(context.Context) (ifc.MuxedStream, error) { return nil, nil }
func (c *fakeConn) AcceptStream() (ifc.MuxedStream, error)              { return nil, nil }
func (c *fakeConn) LocalPeer() types.PeerID                             { return "local" }
func (c *fakeConn) RemotePeer() types.PeerID                            { return c.remote }
func (c *fakeConn) LocalMultiaddr() *types.Multiaddr                    { return nil }
func (c *fakeConn) RemoteMultiaddr() *types.Multiaddr                   { return nil }
func (c *fakeConn) Close() error                                        { c.closed = true; return nil }
func (c *fakeConn) IsClosed() bool                                      { return c.closed }

func testAddr(t *testing.T) *types.Multiaddr {
	t.Helper()
	a, err := types.NewMultiaddr("/memory/1")
	require.NoError(t, err)
	return a
}

func newTestPool(cfg Config) (*Pool, *clock.Mock) {
	clk := clock.NewMock()
	return NewWithClock(cfg, clk), clk
}

// ============================================================================
//                     基础增删查测试
// ============================================================================

// TestPool_AddAndQuery 测试添加与查询
func TestPool_AddAndQuery(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())
	conn := &fakeConn{remote: "p1"}

	id := p.Add(conn, "p1", testAddr(t), types.DirOutbound, false)
	require.NotEmpty(t, id)

	assert.True(t, p.IsConnected("p1"))
	assert.Equal(t, ifc.MuxedConn(conn), p.Connection("p1"))
	assert.Equal(t, []types.PeerID{"p1"}, p.ConnectedPeers())

	info, ok := p.ManagedConn(id)
	require.True(t, ok)
	assert.Equal(t, types.StateConnected, info.State.Kind)
	assert.Equal(t, types.DirOutbound, info.Direction)
	assert.False(t, info.IsLimited)
}

// TestPool_ClosedConnNotReturned 测试已关闭连接不被返回
//
// 已关闭但尚未移除的条目绝不能从 Connection 返回。
func TestPool_ClosedConnNotReturned(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())
	conn := &fakeConn{remote: "p1"}

	p.Add(conn, "p1", testAddr(t), types.DirOutbound, false)
	conn.closed = true

	assert.Nil(t, p.Connection("p1"))
	assert.False(t, p.IsConnected("p1"))
}

// TestPool_ConnectingLifecycle 测试 connecting → connected 转换
func TestPool_ConnectingLifecycle(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())

	id := p.AddConnecting("p1", testAddr(t), types.DirOutbound)

	// 建立中的条目不持有连接
	assert.False(t, p.IsConnected("p1"))
	info, _ := p.ManagedConn(id)
	assert.Equal(t, types.StateConnecting, info.State.Kind)
	assert.Nil(t, info.Conn)

	conn := &fakeConn{remote: "p1"}
	require.NoError(t, p.UpdateConnection(id, conn))
	assert.True(t, p.IsConnected("p1"))

	// 未知 ID 报错
	assert.ErrorIs(t, p.UpdateConnection("nope", conn), ErrNotFound)
}

// TestPool_UpdateState_ReleasesConn 测试离开 connected 释放连接引用
func TestPool_UpdateState_ReleasesConn(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())
	conn := &fakeConn{remote: "p1"}
	id := p.Add(conn, "p1", testAddr(t), types.DirInbound, false)

	p.UpdateState(id, types.ConnState{Kind: types.StateDisconnected, Reason: types.ReasonRemoteClose})

	assert.False(t, p.IsConnected("p1"))
	info, ok := p.ManagedConn(id)
	require.True(t, ok)
	assert.Nil(t, info.Conn)
	assert.Equal(t, types.ReasonRemoteClose, info.State.Reason)

	// 入站容量已释放
	cfg := DefaultConfig()
	cfg.MaxInboundConns = 1
	p2, _ := newTestPool(cfg)
	id2 := p2.Add(&fakeConn{remote: "x"}, "x", testAddr(t), types.DirInbound, false)
	assert.False(t, p2.CanAcceptInbound())
	p2.UpdateState(id2, types.ConnState{Kind: types.StateDisconnected})
	assert.True(t, p2.CanAcceptInbound())
}

// TestPool_RemovePeer 测试按节点移除
func TestPool_RemovePeer(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())
	p.Add(&fakeConn{remote: "p1"}, "p1", testAddr(t), types.DirOutbound, false)
	p.Add(&fakeConn{remote: "p1"}, "p1", testAddr(t), types.DirInbound, false)

	removed := p.RemovePeer("p1")
	assert.Len(t, removed, 2)
	assert.False(t, p.IsConnected("p1"))
	assert.Empty(t, p.ConnectedPeers())
}

// ============================================================================
//                     容量测试
// ============================================================================

// TestPool_CapacityLimits 测试容量判定
func TestPool_CapacityLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInboundConns = 1
	cfg.MaxOutboundConns = 1
	cfg.MaxConnsPerPeer = 1
	p, _ := newTestPool(cfg)

	assert.True(t, p.CanAcceptInbound())
	assert.True(t, p.CanDialOutbound())
	assert.True(t, p.CanConnectTo("p1"))

	p.Add(&fakeConn{remote: "p1"}, "p1", testAddr(t), types.DirInbound, false)
	assert.False(t, p.CanAcceptInbound())
	assert.True(t, p.CanDialOutbound())
	assert.False(t, p.CanConnectTo("p1"))
	assert.True(t, p.CanConnectTo("p2"))

	p.Add(&fakeConn{remote: "p2"}, "p2", testAddr(t), types.DirOutbound, false)
	assert.False(t, p.CanDialOutbound())
}

// ============================================================================
//                     待决拨号测试
// ============================================================================

// TestPool_PendingDialJoin 测试并发拨号合流
func TestPool_PendingDialJoin(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())

	first := NewDialTask("p1")
	got, registered := p.RegisterPendingDial(first)
	assert.True(t, registered)
	assert.Equal(t, first, got)

	// 第二个注册者拿到首个任务
	second := NewDialTask("p1")
	got, registered = p.RegisterPendingDial(second)
	assert.False(t, registered)
	assert.Equal(t, first, got)

	// 合流等待
	conn := &fakeConn{remote: "p1"}
	go first.Complete(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gotConn, err := got.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ifc.MuxedConn(conn), gotConn)

	p.RemovePendingDial("p1")
	assert.Nil(t, p.PendingDial("p1"))
}

// TestPool_CancelAllPendingDials 测试取消全部拨号
func TestPool_CancelAllPendingDials(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())

	task := NewDialTask("p1")
	p.RegisterPendingDial(task)
	p.CancelAllPendingDials()

	ctx := context.Background()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, p.PendingDial("p1"))
}

// ============================================================================
//                     重连簿记测试
// ============================================================================

// TestPool_AutoReconnect 测试重连地址簿记
func TestPool_AutoReconnect(t *testing.T) {
	p, _ := newTestPool(DefaultConfig())
	addr := testAddr(t)

	p.EnableAutoReconnect("p1", addr)
	assert.True(t, addr.Equal(p.ReconnectAddr("p1")))

	// 新条目继承重连地址
	id := p.Add(&fakeConn{remote: "p1"}, "p1", addr, types.DirOutbound, false)
	info, _ := p.ManagedConn(id)
	assert.True(t, addr.Equal(info.ReconnectAddr))

	p.DisableAutoReconnect("p1")
	assert.Nil(t, p.ReconnectAddr("p1"))
	info, _ = p.ManagedConn(id)
	assert.Nil(t, info.ReconnectAddr)
}

// TestPool_RetryCount 测试重试计数
func TestPool_RetryCount(t *testing.T) {
	p, clk := newTestPool(DefaultConfig())
	id := p.Add(&fakeConn{remote: "p1"}, "p1", testAddr(t), types.DirOutbound, false)

	assert.Equal(t, 1, p.IncrementRetryCount(id))
	assert.Equal(t, 2, p.IncrementRetryCount(id))

	// 未达稳定时长不清零
	clk.Add(10 * time.Second)
	p.ResetRetryCountIfStable(id, time.Minute)
	info, _ := p.ManagedConn(id)
	assert.Equal(t, 2, info.RetryCount)

	// 稳定后清零
	clk.Add(time.Minute)
	p.ResetRetryCountIfStable(id, time.Minute)
	info, _ = p.ManagedConn(id)
	assert.Equal(t, 0, info.RetryCount)

	p.IncrementRetryCount(id)
	p.ResetRetryCount(id)
	info, _ = p.ManagedConn(id)
	assert.Equal(t, 0, info.RetryCount)
}
