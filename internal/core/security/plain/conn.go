package plain

import (
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// 确保实现了接口
var _ ifc.SecureConn = (*Conn)(nil)

// Conn 明文安全连接
//
// 在原始连接上附加握手得到的身份；读写直接透传。
type Conn struct {
	ifc.RawConn

	localPeer    types.PeerID
	remotePeer   types.PeerID
	remotePubKey []byte
}

// LocalPeer 本地节点 ID
func (c *Conn) LocalPeer() types.PeerID {
	return c.localPeer
}

// RemotePeer 经认证的远程节点 ID
func (c *Conn) RemotePeer() types.PeerID {
	return c.remotePeer
}

// RemotePublicKey 远程节点公钥
func (c *Conn) RemotePublicKey() []byte {
	return c.remotePubKey
}
