package client

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/proto/relaypb"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// 确保实现了接口
var _ ifc.RawConn = (*RelayedConn)(nil)

// RelayedConn 中继电路连接
//
// 在 HOP/STOP 子流之上的原始连接视图：双向计数传输字节，
// 写入将超过 limit.data 时以 ErrLimitExceeded 拒绝
// （已交付的读取不受影响）；limit.duration 到期时关闭电路。
type RelayedConn struct {
	stream ifc.MuxedStream

	relay  types.PeerID
	remote types.PeerID
	limit  relaypb.Limit

	transferred atomic.Int64

	localAddr  *types.Multiaddr
	remoteAddr *types.Multiaddr

	closeOnce sync.Once
	timer     *time.Timer
}

// NewRelayedConn 创建中继电路连接
func NewRelayedConn(stream ifc.MuxedStream, relay, local, remote types.PeerID, limit relaypb.Limit) *RelayedConn {
	localAddr, _ := types.NewMultiaddr("/p2p/" + string(local))
	remoteAddr, _ := types.NewMultiaddr("/p2p/" + string(relay) + "/p2p-circuit/p2p/" + string(remote))

	c := &RelayedConn{
		stream:     stream,
		relay:      relay,
		remote:     remote,
		limit:      limit,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}

	// 时长限制：到期强制关闭电路
	if d := limit.Duration(); d > 0 {
		c.timer = time.AfterFunc(d, func() {
			_ = c.Close()
		})
	}
	return c
}

// Relay 返回中继节点 ID
func (c *RelayedConn) Relay() types.PeerID {
	return c.relay
}

// RemotePeer 返回电路对端节点 ID
func (c *RelayedConn) RemotePeer() types.PeerID {
	return c.remote
}

// Limit 返回生效的电路限制
func (c *RelayedConn) Limit() relaypb.Limit {
	return c.limit
}

func (c *RelayedConn) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	if n > 0 {
		c.transferred.Add(int64(n))
	}
	return n, err
}

func (c *RelayedConn) Write(p []byte) (int, error) {
	if c.limit.Data > 0 {
		if c.transferred.Load()+int64(len(p)) > int64(c.limit.Data) {
			return 0, fmt.Errorf("%w: %d bytes transferred, limit %d",
				ErrLimitExceeded, c.transferred.Load(), c.limit.Data)
		}
	}
	n, err := c.stream.Write(p)
	if n > 0 {
		c.transferred.Add(int64(n))
	}
	return n, err
}

// Close 关闭电路及底层子流
func (c *RelayedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		err = c.stream.Close()
	})
	return err
}

// LocalMultiaddr 本地多地址
func (c *RelayedConn) LocalMultiaddr() *types.Multiaddr {
	return c.localAddr
}

// RemoteMultiaddr 远程多地址（经由中继）
func (c *RelayedConn) RemoteMultiaddr() *types.Multiaddr {
	return c.remoteAddr
}

// SetDeadline 设置读写截止时间
func (c *RelayedConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// SetReadDeadline 设置读截止时间
func (c *RelayedConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline 设置写截止时间
func (c *RelayedConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}
