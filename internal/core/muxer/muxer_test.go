package muxer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexp2p/go-nexp2p/internal/core/transport/memory"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// fakeSecureConn 测试用安全连接
type fakeSecureConn struct {
	*memory.Conn
	local, remote types.PeerID
}

func (c *fakeSecureConn) LocalPeer() types.PeerID    { return c.local }
func (c *fakeSecureConn) RemotePeer() types.PeerID   { return c.remote }
func (c *fakeSecureConn) RemotePublicKey() []byte    { return nil }

// muxedPair 建立一对互联的复用连接
func muxedPair(t *testing.T) (ifc.MuxedConn, ifc.MuxedConn) {
	t.Helper()

	a, b := memory.NewPipe()
	scA := &fakeSecureConn{Conn: a, local: "peer-a", remote: "peer-b"}
	scB := &fakeSecureConn{Conn: b, local: "peer-b", remote: "peer-a"}

	tr := NewTransport()
	mcA, err := tr.Multiplex(scA, true)
	require.NoError(t, err)
	mcB, err := tr.Multiplex(scB, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		mcA.Close()
		mcB.Close()
	})
	return mcA, mcB
}

// TestTransport_ID 测试协议 ID
func TestTransport_ID(t *testing.T) {
	assert.Equal(t, types.ProtocolYamux, NewTransport().ID())
}

// TestMuxedConn_OpenAccept 测试子流的打开与接受
func TestMuxedConn_OpenAccept(t *testing.T) {
	mcA, mcB := muxedPair(t)

	acceptCh := make(chan ifc.MuxedStream, 1)
	go func() {
		s, err := mcB.AcceptStream()
		if err == nil {
			acceptCh <- s
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sA, err := mcA.OpenStream(ctx)
	require.NoError(t, err)

	// 触发对端接受需要写数据（yamux 懒 SYN）
	_, err = sA.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case sB := <-acceptCh:
		buf := make([]byte, 5)
		_, err := io.ReadFull(sB, buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))

		// 反向写
		_, err = sB.Write([]byte("world"))
		require.NoError(t, err)
		_, err = io.ReadFull(sA, buf)
		require.NoError(t, err)
		assert.Equal(t, "world", string(buf))
	case <-time.After(2 * time.Second):
		t.Fatal("对端未接受子流")
	}
}

// TestMuxedStream_CloseWrite 测试半关闭
func TestMuxedStream_CloseWrite(t *testing.T) {
	mcA, mcB := muxedPair(t)

	go func() {
		s, err := mcB.AcceptStream()
		if err != nil {
			return
		}
		// 回显后关闭写端
		buf := make([]byte, 4)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		_, _ = s.Write(buf)
		_ = s.CloseWrite()
	}()

	ctx := context.Background()
	sA, err := mcA.OpenStream(ctx)
	require.NoError(t, err)

	_, err = sA.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(sA, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	// 对端 CloseWrite 后读到 EOF
	_ = sA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = sA.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

// TestMuxedConn_Close 测试连接关闭的传播与幂等
func TestMuxedConn_Close(t *testing.T) {
	mcA, mcB := muxedPair(t)

	require.NoError(t, mcA.Close())
	assert.True(t, mcA.IsClosed())

	// 重复关闭不报错
	_ = mcA.Close()

	// 对端随后无法接受新流
	_, err := mcB.AcceptStream()
	assert.Error(t, err)
}

// TestMuxedConn_PeerInfo 测试身份透传
func TestMuxedConn_PeerInfo(t *testing.T) {
	mcA, _ := muxedPair(t)
	assert.Equal(t, types.PeerID("peer-a"), mcA.LocalPeer())
	assert.Equal(t, types.PeerID("peer-b"), mcA.RemotePeer())
}
