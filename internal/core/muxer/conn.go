package muxer

import (
	"context"
	"net"
	"time"

	"github.com/libp2p/go-yamux/v5"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              muxedConn
// ============================================================================

// 确保实现了接口
var _ ifc.MuxedConn = (*muxedConn)(nil)

// muxedConn 包装 yamux.Session，实现 MuxedConn 接口
type muxedConn struct {
	session *yamux.Session
	secured ifc.SecureConn
}

// OpenStream 打开出站子流
func (c *muxedConn) OpenStream(ctx context.Context) (ifc.MuxedStream, error) {
	s, err := c.session.OpenStream(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	return &stream{s: s}, nil
}

// AcceptStream 接受入站子流
func (c *muxedConn) AcceptStream() (ifc.MuxedStream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		return nil, mapErr(err)
	}
	return &stream{s: s}, nil
}

// LocalPeer 本地节点 ID
func (c *muxedConn) LocalPeer() types.PeerID {
	return c.secured.LocalPeer()
}

// RemotePeer 经认证的远程节点 ID
func (c *muxedConn) RemotePeer() types.PeerID {
	return c.secured.RemotePeer()
}

// LocalMultiaddr 本地多地址
func (c *muxedConn) LocalMultiaddr() *types.Multiaddr {
	return c.secured.LocalMultiaddr()
}

// RemoteMultiaddr 远程多地址
func (c *muxedConn) RemoteMultiaddr() *types.Multiaddr {
	return c.secured.RemoteMultiaddr()
}

// Close 关闭会话及底层连接
func (c *muxedConn) Close() error {
	err := c.session.Close()
	if cerr := c.secured.Close(); err == nil {
		err = cerr
	}
	return err
}

// IsClosed 检查会话是否已关闭
func (c *muxedConn) IsClosed() bool {
	return c.session.IsClosed()
}

// ============================================================================
//                              netConn 适配
// ============================================================================

// netConn 将 SecureConn 适配为 yamux 需要的 net.Conn
type netConn struct {
	ifc.SecureConn
}

func newNetConn(sc ifc.SecureConn) net.Conn {
	return &netConn{SecureConn: sc}
}

func (c *netConn) LocalAddr() net.Addr {
	return maddrNetAddr{c.SecureConn.LocalMultiaddr()}
}

func (c *netConn) RemoteAddr() net.Addr {
	return maddrNetAddr{c.SecureConn.RemoteMultiaddr()}
}

// maddrNetAddr 多地址的 net.Addr 视图
type maddrNetAddr struct {
	addr *types.Multiaddr
}

func (a maddrNetAddr) Network() string {
	return "nexp2p"
}

func (a maddrNetAddr) String() string {
	return a.addr.String()
}

// 确保截止时间方法透传
var _ interface {
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
} = (*netConn)(nil)
