package server

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexp2p/go-nexp2p/internal/core/muxer"
	relayclient "github.com/nexp2p/go-nexp2p/internal/core/relay/client"
	"github.com/nexp2p/go-nexp2p/internal/core/security/plain"
	"github.com/nexp2p/go-nexp2p/internal/core/swarm"
	"github.com/nexp2p/go-nexp2p/internal/core/transport/memory"
	"github.com/nexp2p/go-nexp2p/internal/core/upgrader"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/lib/proto/relaypb"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// newTestSwarm 构建基于 memory 传输的测试 Swarm
func newTestSwarm(t *testing.T) *swarm.Swarm {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	up, err := upgrader.New(upgrader.Config{
		Security: []ifc.SecurityUpgrader{plain.New()},
		Muxers:   []ifc.Muxer{muxer.NewTransport()},
	})
	require.NoError(t, err)

	cfg := swarm.DefaultConfig()
	cfg.DialTimeout = 5 * time.Second
	cfg.Pool.IdleTimeout = 0

	listen, err := types.NewMultiaddr("/memory/0")
	require.NoError(t, err)

	s, err := swarm.New(kp, []ifc.Transport{memory.New()}, up, cfg, swarm.WithListenAddrs(listen))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

// dialTo 拨通两个 Swarm
func dialTo(t *testing.T, from, to *swarm.Swarm) {
	t.Helper()
	addr, err := types.WithPeerID(to.ListenAddrs()[0], to.LocalPeer())
	require.NoError(t, err)
	_, err = from.Dial(context.Background(), addr)
	require.NoError(t, err)
}

// relayTopology 搭建 R（中继）/ T（目标）/ S（源）三节点
func relayTopology(t *testing.T, serverCfg Config) (r *Server, clientT, clientS *relayclient.Client, swR, swT, swS *swarm.Swarm) {
	t.Helper()

	swR = newTestSwarm(t)
	swT = newTestSwarm(t)
	swS = newTestSwarm(t)

	r = New(swR, serverCfg)
	r.Start()
	t.Cleanup(func() { _ = r.Close() })

	clientT = relayclient.New(swT, relayclient.DefaultConfig())
	clientT.Start()
	t.Cleanup(func() { _ = clientT.Close() })

	clientS = relayclient.New(swS, relayclient.DefaultConfig())
	clientS.Start()
	t.Cleanup(func() { _ = clientS.Close() })

	dialTo(t, swT, swR)
	dialTo(t, swS, swR)
	return
}

// ============================================================================
//                     预留测试
// ============================================================================

// TestServer_Reserve_OK 测试预留成功
func TestServer_Reserve_OK(t *testing.T) {
	_, clientT, _, swR, _, _ := relayTopology(t, DefaultConfig())

	resv, err := clientT.Reserve(context.Background(), swR.LocalPeer())
	require.NoError(t, err)
	assert.True(t, resv.IsValid())
	assert.Equal(t, swR.LocalPeer(), resv.Relay)
	require.NotEmpty(t, resv.Addrs)
	// 公布地址带中继 /p2p 后缀
	id, err := types.GetPeerID(resv.Addrs[0])
	require.NoError(t, err)
	assert.Equal(t, swR.LocalPeer(), id)
}

// TestServer_Reserve_CapacityZero 测试零容量拒绝预留
func TestServer_Reserve_CapacityZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReservations = 0
	_, clientT, _, swR, _, _ := relayTopology(t, cfg)

	_, err := clientT.Reserve(context.Background(), swR.LocalPeer())
	require.Error(t, err)
	assert.True(t, relayclient.IsStatus(err, relaypb.StatusResourceLimitExceeded))
}

// TestServer_Reserve_NoOversubscription 测试并发预留不超卖
//
// 容量为 1 时两个客户端并发预留，至多一个成功。
func TestServer_Reserve_NoOversubscription(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReservations = 1
	_, clientT, clientS, swR, _, _ := relayTopology(t, cfg)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, c := range []*relayclient.Client{clientT, clientS} {
		wg.Add(1)
		go func(c *relayclient.Client) {
			defer wg.Done()
			_, err := c.Reserve(context.Background(), swR.LocalPeer())
			results <- err
		}(c)
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
		} else {
			assert.True(t, relayclient.IsStatus(err, relaypb.StatusResourceLimitExceeded))
		}
	}
	assert.Equal(t, 1, success)
}

// TestServer_Reserve_RenewDoesNotConsumeSlot 测试续约不占新槽位
func TestServer_Reserve_RenewDoesNotConsumeSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReservations = 1
	_, clientT, _, swR, _, _ := relayTopology(t, cfg)

	_, err := clientT.Reserve(context.Background(), swR.LocalPeer())
	require.NoError(t, err)
	// 同一客户端再次预留是续约
	_, err = clientT.Reserve(context.Background(), swR.LocalPeer())
	assert.NoError(t, err)
}

// ============================================================================
//                     电路测试
// ============================================================================

// TestServer_Connect_NoReservation 测试目标无预留
func TestServer_Connect_NoReservation(t *testing.T) {
	_, _, clientS, swR, swT, _ := relayTopology(t, DefaultConfig())

	_, err := clientS.ConnectThrough(context.Background(), swR.LocalPeer(), swT.LocalPeer())
	require.Error(t, err)
	assert.True(t, relayclient.IsStatus(err, relaypb.StatusNoReservation))
}

// TestServer_EndToEndCircuit 测试端到端电路
//
// T 在 R 上预留；S 经 R 连接 T；双向字节原样到达；
// S 关闭后 T 读到 EOF。
func TestServer_EndToEndCircuit(t *testing.T) {
	_, clientT, clientS, swR, swT, _ := relayTopology(t, DefaultConfig())

	l, err := clientT.Listen(context.Background(), swR.LocalPeer())
	require.NoError(t, err)
	defer l.Close()

	// T 侧等待入站电路
	type acceptResult struct {
		conn *relayclient.RelayedConn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := l.Accept(ctx)
		acceptCh <- acceptResult{conn, err}
	}()

	// S 经 R 连接 T
	sConn, err := clientS.ConnectThrough(context.Background(), swR.LocalPeer(), swT.LocalPeer())
	require.NoError(t, err)

	ar := <-acceptCh
	require.NoError(t, ar.err)
	tConn := ar.conn

	// S → T
	payload := []byte("Hello from source")
	go func() {
		_, _ = sConn.Write(payload)
	}()
	buf := make([]byte, len(payload))
	_ = tConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(tConn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	// T → S
	reply := []byte("Hello from target")
	go func() {
		_, _ = tConn.Write(reply)
	}()
	buf = make([]byte, len(reply))
	_ = sConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(sConn, buf)
	require.NoError(t, err)
	assert.Equal(t, reply, buf)

	// S 关闭 → T 读到 EOF
	require.NoError(t, sConn.Close())
	_ = tConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = tConn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// TestServer_Connect_CircuitPerPeerLimit 测试单节点电路上限
func TestServer_Connect_CircuitPerPeerLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCircuitsPerPeer = 1
	_, clientT, clientS, swR, swT, _ := relayTopology(t, cfg)

	l, err := clientT.Listen(context.Background(), swR.LocalPeer())
	require.NoError(t, err)
	defer l.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.Accept(ctx)
	}()

	first, err := clientS.ConnectThrough(context.Background(), swR.LocalPeer(), swT.LocalPeer())
	require.NoError(t, err)
	defer first.Close()

	// 第二条电路超过单节点上限
	_, err = clientS.ConnectThrough(context.Background(), swR.LocalPeer(), swT.LocalPeer())
	require.Error(t, err)
	assert.True(t, relayclient.IsStatus(err, relaypb.StatusResourceLimitExceeded))
}

// TestServer_Circuit_DataLimit 测试电路字节限制
func TestServer_Circuit_DataLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultLimit = relaypb.Limit{Data: 64}
	_, clientT, clientS, swR, swT, _ := relayTopology(t, cfg)

	l, err := clientT.Listen(context.Background(), swR.LocalPeer())
	require.NoError(t, err)
	defer l.Close()

	acceptCh := make(chan *relayclient.RelayedConn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if conn, err := l.Accept(ctx); err == nil {
			acceptCh <- conn
		}
	}()

	sConn, err := clientS.ConnectThrough(context.Background(), swR.LocalPeer(), swT.LocalPeer())
	require.NoError(t, err)
	defer sConn.Close()

	// 服务器声明 64 字节限额，客户端侧在越界写入时拒绝
	_, err = sConn.Write(make([]byte, 128))
	require.Error(t, err)
	assert.ErrorIs(t, err, relayclient.ErrLimitExceeded)
}
