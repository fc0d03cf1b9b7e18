package swarm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexp2p/go-nexp2p/internal/core/resourcemgr"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                     入站协商信号量测试
// ============================================================================

// TestSwarm_NegotiationSemaphore 测试并发协商上限
//
// 上限为 2 时塞入 5 条不完成协商的流：任一时刻至多 2 条
// 持有流资源预留；失败退出后额度全部归还。
func TestSwarm_NegotiationSemaphore(t *testing.T) {
	rm := resourcemgr.New(resourcemgr.Limits{})

	a := newTestSwarm(t, func(cfg *Config) {
		cfg.MaxNegotiatingInboundStreams = 2
	}, WithResourceManager(rm))
	b := newTestSwarm(t, nil)
	setEchoHandler(a)

	_, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.NoError(t, err)

	conn := b.Connection(a.LocalPeer())
	require.NotNil(t, conn)

	// 打开 5 条流并各写一个未完成的 varint 字节：
	// 触发对端接受但令协商阻塞在长度前缀上
	var streams []ifc.MuxedStream
	for i := 0; i < 5; i++ {
		s, err := conn.OpenStream(context.Background())
		require.NoError(t, err)
		_, err = s.Write([]byte{0xff})
		require.NoError(t, err)
		streams = append(streams, s)
	}

	// 至多 2 条进入协商（持有流预留）
	require.Eventually(t, func() bool {
		return rm.Stat().Streams == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, rm.Stat().Streams, 2)

	// 重置全部流：协商失败路径也必须释放预留
	for _, s := range streams {
		_ = s.Reset()
	}
	require.Eventually(t, func() bool {
		return rm.Stat().Streams == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// TestSwarm_StreamReservationLifecycle 测试流预留的配对释放
func TestSwarm_StreamReservationLifecycle(t *testing.T) {
	rm := resourcemgr.New(resourcemgr.Limits{})

	a := newTestSwarm(t, nil, WithResourceManager(rm))
	b := newTestSwarm(t, nil, WithResourceManager(rm))
	setEchoHandler(a)

	_, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.NoError(t, err)

	stream, err := b.NewStream(context.Background(), a.LocalPeer(), echoProto)
	require.NoError(t, err)

	_, err = stream.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)

	require.NoError(t, stream.Close())

	// 双端处理结束后流额度全部归还
	require.Eventually(t, func() bool {
		return rm.Stat().Streams == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// TestSwarm_StreamLimitRejected 测试流额度耗尽
func TestSwarm_StreamLimitRejected(t *testing.T) {
	rm := resourcemgr.New(resourcemgr.Limits{PeerStreams: 1})

	a := newTestSwarm(t, nil)
	b := newTestSwarm(t, nil, WithResourceManager(rm))
	setEchoHandler(a)

	_, err := b.Dial(context.Background(), dialableAddr(t, a))
	require.NoError(t, err)

	s1, err := b.NewStream(context.Background(), a.LocalPeer(), echoProto)
	require.NoError(t, err)
	defer s1.Close()

	_, err = b.NewStream(context.Background(), a.LocalPeer(), echoProto)
	require.Error(t, err)
	assert.True(t, types.IsResourceLimit(err))
}

// TestSwarm_NewStream_NotConnected 测试无连接开流
func TestSwarm_NewStream_NotConnected(t *testing.T) {
	a := newTestSwarm(t, nil)

	_, err := a.NewStream(context.Background(), "unknown-peer", echoProto)
	assert.ErrorIs(t, err, ErrNotConnected)
}
