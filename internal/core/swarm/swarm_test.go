package swarm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexp2p/go-nexp2p/internal/core/backoff"
	"github.com/nexp2p/go-nexp2p/internal/core/muxer"
	"github.com/nexp2p/go-nexp2p/internal/core/pool"
	"github.com/nexp2p/go-nexp2p/internal/core/security/plain"
	"github.com/nexp2p/go-nexp2p/internal/core/transport/memory"
	"github.com/nexp2p/go-nexp2p/internal/core/upgrader"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

const echoProto = types.ProtocolID("/echo/1.0.0")

// newTestSwarm 构建基于 memory 传输的测试 Swarm
func newTestSwarm(t *testing.T, mutate func(*Config), opts ...Option) *Swarm {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	up, err := upgrader.New(upgrader.Config{
		Security: []ifc.SecurityUpgrader{plain.New()},
		Muxers:   []ifc.Muxer{muxer.NewTransport()},
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DialTimeout = 5 * time.Second
	cfg.Pool.IdleTimeout = 0 // 测试默认关闭空闲任务
	cfg.Backoff = backoff.Config{BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second, Jitter: 0, EntryTTL: time.Minute}
	if mutate != nil {
		mutate(cfg)
	}

	listen, err := types.NewMultiaddr("/memory/0")
	require.NoError(t, err)

	s, err := New(kp, []ifc.Transport{memory.New()}, up, cfg,
		append([]Option{WithListenAddrs(listen)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

// dialableAddr 返回带 /p2p 后缀的可拨号地址
func dialableAddr(t *testing.T, s *Swarm) *types.Multiaddr {
	t.Helper()
	addrs := s.ListenAddrs()
	require.NotEmpty(t, addrs)
	addr, err := types.WithPeerID(addrs[0], s.LocalPeer())
	require.NoError(t, err)
	return addr
}

// setEchoHandler 注册回显处理器
func setEchoHandler(s *Swarm) {
	s.SetStreamHandler(echoProto, func(sc ifc.StreamContext) {
		defer sc.Stream.Close()
		buf := make([]byte, 1024)
		for {
			n, err := sc.Stream.Read(buf)
			if n > 0 {
				if _, werr := sc.Stream.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
}

// waitEvent 等待指定类型的事件
func waitEvent[T types.SwarmEvent](t *testing.T, events <-chan types.SwarmEvent, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatal("事件流已关闭")
			}
			if want, ok := evt.(T); ok {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("等待事件 %T 超时", zero)
			return zero
		}
	}
}

// ============================================================================
//                     场景：正常拨号
// ============================================================================

// TestSwarm_HappyDial 测试双节点建连与回显
//
// 双方各自收到 peerConnected；连接可开流；
// 写入的字节序列原样回读。
func TestSwarm_HappyDial(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil)
	setEchoHandler(a)

	subA := a.Events()
	subB := b.Events()

	peer, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.NoError(t, err)
	assert.Equal(t, a.LocalPeer(), peer)

	// 双方各自发出一次 peerConnected
	evtB := waitEvent[types.EvtPeerConnected](t, subB.Out(), 2*time.Second)
	assert.Equal(t, a.LocalPeer(), evtB.Peer)
	evtA := waitEvent[types.EvtPeerConnected](t, subA.Out(), 2*time.Second)
	assert.Equal(t, b.LocalPeer(), evtA.Peer)

	// 双方池中都有活跃连接
	require.NotNil(t, b.Connection(a.LocalPeer()))
	require.Eventually(t, func() bool {
		return a.Connection(b.LocalPeer()) != nil
	}, 2*time.Second, 10*time.Millisecond)

	// 开流并回显
	stream, err := b.NewStream(context.Background(), a.LocalPeer(), echoProto)
	require.NoError(t, err)
	defer stream.Close()

	payload := []byte("hello swarm")
	_, err = stream.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

// TestSwarm_Dial_UnknownProtocol 测试对端未注册协议
func TestSwarm_Dial_UnknownProtocol(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil)

	_, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.NoError(t, err)

	_, err = b.NewStream(context.Background(), a.LocalPeer(), "/nope/1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocolNegotiationFailed)
}

// TestSwarm_Dial_NotRunning 测试关停后拨号
func TestSwarm_Dial_NotRunning(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil)
	addr := dialableAddr(t, a)

	require.NoError(t, b.Shutdown())
	_, err := b.Dial(context.Background(), addr)
	assert.ErrorIs(t, err, ErrSwarmClosed)

	// 重复关停幂等
	assert.NoError(t, b.Shutdown())
}

// ============================================================================
//                     场景：自拨保护
// ============================================================================

// TestSwarm_SelfDial 测试地址内嵌自身身份
func TestSwarm_SelfDial(t *testing.T) {
	a := newTestSwarm(t, nil)

	self, err := types.WithPeerID(a.ListenAddrs()[0], a.LocalPeer())
	require.NoError(t, err)

	_, err = a.Dial(context.Background(), self)
	assert.ErrorIs(t, err, ErrDialToSelf)
	assert.Empty(t, a.Pool().AllManagedConns())
}

// TestSwarm_SelfDial_PostHandshake 测试握手后暴露自连
//
// 地址不含 /p2p 后缀，身份在握手后才揭示为本节点。
func TestSwarm_SelfDial_PostHandshake(t *testing.T) {
	a := newTestSwarm(t, nil)

	_, err := a.Dial(context.Background(), a.ListenAddrs()[0])
	assert.ErrorIs(t, err, ErrDialToSelf)

	require.Eventually(t, func() bool {
		return len(a.Pool().AllManagedConns()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
//                     场景：同时连接
// ============================================================================

// TestSwarm_SimultaneousConnect 测试双向并发拨号的裁决
//
// 两端各保留恰好一条连接；胜出方向满足
// localPeer < remotePeer ⇒ outbound。
func TestSwarm_SimultaneousConnect(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil)

	addrA := dialableAddr(t, a)
	addrB := dialableAddr(t, b)

	errCh := make(chan error, 2)
	go func() {
		_, err := a.Dial(context.Background(), addrB)
		errCh <- err
	}()
	go func() {
		_, err := b.Dial(context.Background(), addrA)
		errCh <- err
	}()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	// 裁决收敛后两端各一条
	require.Eventually(t, func() bool {
		return len(a.Pool().ConnectedManagedConns(b.LocalPeer())) == 1 &&
			len(b.Pool().ConnectedManagedConns(a.LocalPeer())) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// 胜出方向检查
	connsA := a.Pool().ConnectedManagedConns(b.LocalPeer())
	require.Len(t, connsA, 1)
	if a.LocalPeer().Less(b.LocalPeer()) {
		assert.Equal(t, types.DirOutbound, connsA[0].Direction)
	} else {
		assert.Equal(t, types.DirInbound, connsA[0].Direction)
	}
}

// ============================================================================
//                     场景：断线重连
// ============================================================================

// TestSwarm_ReconnectAfterRemoteClose 测试对端关闭后的重连
//
// 仅 PeerID 较小的一端调度重连；退避结束后重拨成功，
// 发出 reconnected(attempt=1)。
func TestSwarm_ReconnectAfterRemoteClose(t *testing.T) {
	policy := func(cfg *Config) {
		cfg.Pool.ReconnectPolicy = pool.MaxRetries{Retries: 3}
	}
	a := newTestSwarm(t, policy)
	b := newTestSwarm(t, policy)

	// 保证拨号方是 PeerID 较小的一端（重连由它发起）
	dialer, listener := a, b
	if !a.LocalPeer().Less(b.LocalPeer()) {
		dialer, listener = b, a
	}

	sub := dialer.Events()

	_, err := dialer.Dial(context.Background(), dialableAddr(t, listener))
	require.NoError(t, err)

	// 对端关闭连接
	require.Eventually(t, func() bool {
		return listener.Connection(dialer.LocalPeer()) != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, listener.Connection(dialer.LocalPeer()).Close())

	// 较小端调度并完成重连
	reconnecting := waitEvent[types.EvtReconnecting](t, sub.Out(), 3*time.Second)
	assert.Equal(t, 1, reconnecting.Attempt)

	reconnected := waitEvent[types.EvtReconnected](t, sub.Out(), 3*time.Second)
	assert.Equal(t, listener.LocalPeer(), reconnected.Peer)
	assert.Equal(t, 1, reconnected.Attempt)

	require.Eventually(t, func() bool {
		return dialer.IsConnected(listener.LocalPeer())
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
//                     场景：拨号合流与闸门
// ============================================================================

// TestSwarm_PendingDialJoin 测试并发拨号合流到同一任务
func TestSwarm_PendingDialJoin(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil)
	addr := dialableAddr(t, a)

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := b.Dial(context.Background(), addr)
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}

	// 并发拨号合流后仍只有一条连接
	require.Eventually(t, func() bool {
		return len(b.Pool().ConnectedManagedConns(a.LocalPeer())) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

// denyAllGater 拒绝一切的闸门
type denyAllGater struct {
	stage types.GateStage
}

func (g *denyAllGater) InterceptDial(types.PeerID, *types.Multiaddr) bool {
	return g.stage != types.GateDial
}
func (g *denyAllGater) InterceptAccept(*types.Multiaddr) bool {
	return g.stage != types.GateAccept
}
func (g *denyAllGater) InterceptSecured(types.PeerID, types.Direction) bool {
	return g.stage != types.GateSecured
}

// TestSwarm_GaterBlocksDial 测试拨号阶段闸门
func TestSwarm_GaterBlocksDial(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil, WithGater(&denyAllGater{stage: types.GateDial}))

	_, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.Error(t, err)
	assert.True(t, types.IsGated(err))
}

// TestSwarm_GaterBlocksSecured 测试握手后闸门
func TestSwarm_GaterBlocksSecured(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil, WithGater(&denyAllGater{stage: types.GateSecured}))

	_, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.Error(t, err)
	assert.True(t, types.IsGated(err))
	assert.False(t, b.IsConnected(a.LocalPeer()))
}

// ============================================================================
//                     场景：监听生命周期
// ============================================================================

// TestSwarm_NoListenersBound 测试全部绑定失败
func TestSwarm_NoListenersBound(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	up, err := upgrader.New(upgrader.Config{
		Security: []ifc.SecurityUpgrader{plain.New()},
		Muxers:   []ifc.Muxer{muxer.NewTransport()},
	})
	require.NoError(t, err)

	// memory 传输无法监听 tcp 地址
	tcpAddr, err := types.NewMultiaddr("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)

	s, err := New(kp, []ifc.Transport{memory.New()}, up, DefaultConfig(), WithListenAddrs(tcpAddr))
	require.NoError(t, err)

	err = s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoListeners)
}

// TestSwarm_ShutdownEmitsEvents 测试关停事件
func TestSwarm_ShutdownEmitsEvents(t *testing.T) {
	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil)

	_, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.NoError(t, err)

	sub := b.Events()
	require.NoError(t, b.Shutdown())

	waitEvent[types.EvtExpiredListenAddr](t, sub.Out(), 2*time.Second)
}
