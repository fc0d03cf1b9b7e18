package nexp2p

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayserver "github.com/nexp2p/go-nexp2p/internal/core/relay/server"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// newTestNode 构建基于 memory 传输的测试节点
func newTestNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	n, err := New(append([]Option{WithListenAddrs("/memory/0")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// nodeAddr 返回带 /p2p 后缀的可拨号地址
func nodeAddr(t *testing.T, n *Node) *types.Multiaddr {
	t.Helper()
	addrs := n.ListenAddrs()
	require.NotEmpty(t, addrs)
	addr, err := types.WithPeerID(addrs[0], n.PeerID())
	require.NoError(t, err)
	return addr
}

// TestNode_DialAndEcho 测试节点组装与端到端回显
func TestNode_DialAndEcho(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	a.SetStreamHandler("/echo/1.0.0", func(sc ifc.StreamContext) {
		defer sc.Stream.Close()
		buf := make([]byte, 64)
		n, err := sc.Stream.Read(buf)
		if err != nil {
			return
		}
		_, _ = sc.Stream.Write(buf[:n])
	})

	peer, err := b.Dial(context.Background(), nodeAddr(t, a))
	require.NoError(t, err)
	assert.Equal(t, a.PeerID(), peer)

	stream, err := b.NewStream(context.Background(), a.PeerID(), "/echo/1.0.0")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("node echo"))
	require.NoError(t, err)

	buf := make([]byte, 9)
	_ = stream.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "node echo", string(buf))
}

// TestNode_RelayEndToEnd 测试节点级中继拓扑
func TestNode_RelayEndToEnd(t *testing.T) {
	relay := newTestNode(t, WithRelayServer(relayserver.DefaultConfig()))
	target := newTestNode(t)
	source := newTestNode(t)

	// 目标与源都连上中继
	_, err := target.Dial(context.Background(), nodeAddr(t, relay))
	require.NoError(t, err)
	_, err = source.Dial(context.Background(), nodeAddr(t, relay))
	require.NoError(t, err)

	// 目标在中继上监听
	l, err := target.RelayClient().Listen(context.Background(), relay.PeerID())
	require.NoError(t, err)
	defer l.Close()
	require.NotEmpty(t, l.Addrs())

	acceptCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := l.Accept(ctx)
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 5)
			if _, rerr := io.ReadFull(conn, buf); rerr == nil {
				_, _ = conn.Write(buf)
			}
		}
		acceptCh <- err
	}()

	// 源经中继连接目标并收发
	conn, err := source.RelayClient().ConnectThrough(context.Background(), relay.PeerID(), target.PeerID())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("relay"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "relay", string(buf))

	require.NoError(t, <-acceptCh)
}

// TestNode_DialThroughRelay 测试经中继的完整升级连接
//
// 电路之上运行标准升级管线，升级后的连接以受限连接入池，
// 可以像直连一样开流。
func TestNode_DialThroughRelay(t *testing.T) {
	relay := newTestNode(t, WithRelayServer(relayserver.DefaultConfig()))
	target := newTestNode(t)
	source := newTestNode(t)

	target.SetStreamHandler("/echo/1.0.0", func(sc ifc.StreamContext) {
		defer sc.Stream.Close()
		buf := make([]byte, 64)
		n, err := sc.Stream.Read(buf)
		if err != nil {
			return
		}
		_, _ = sc.Stream.Write(buf[:n])
	})

	_, err := target.Dial(context.Background(), nodeAddr(t, relay))
	require.NoError(t, err)
	_, err = source.Dial(context.Background(), nodeAddr(t, relay))
	require.NoError(t, err)

	// 目标监听并把电路送回 Swarm 接受路径
	l, err := target.RelayClient().Listen(context.Background(), relay.PeerID())
	require.NoError(t, err)
	defer l.Close()
	target.RelayClient().ServeListener(l)

	// 源经中继建立升级后的连接
	peer, err := source.RelayClient().DialThrough(context.Background(), relay.PeerID(), target.PeerID())
	require.NoError(t, err)
	assert.Equal(t, target.PeerID(), peer)

	// 连接为受限（中继承载）
	conns := source.Swarm().Pool().ConnectedManagedConns(target.PeerID())
	require.Len(t, conns, 1)
	assert.True(t, conns[0].IsLimited)

	// 经电路开流回显
	stream, err := source.NewStream(context.Background(), target.PeerID(), "/echo/1.0.0")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("over circuit"))
	require.NoError(t, err)

	buf := make([]byte, 12)
	_ = stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "over circuit", string(buf))
}

// TestNode_CloseIdempotent 测试重复关闭
func TestNode_CloseIdempotent(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Close())
	assert.NoError(t, n.Close())
}
