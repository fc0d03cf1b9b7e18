package interfaces

import "github.com/nexp2p/go-nexp2p/pkg/types"

// ============================================================================
//                              Gater 接口
// ============================================================================

// Gater 连接闸门
//
// 同步策略谓词，在连接生命周期的三个阶段被咨询。
// 所有方法返回 true 表示放行。实现必须无阻塞且可并发调用。
type Gater interface {
	// InterceptDial 拨号前拦截
	//
	// peer 为地址内嵌的目标节点 ID，可能为空。
	InterceptDial(peer types.PeerID, addr *types.Multiaddr) bool

	// InterceptAccept 接受入站连接前拦截
	InterceptAccept(addr *types.Multiaddr) bool

	// InterceptSecured 安全握手后拦截
	//
	// 此时远程身份已经认证。
	InterceptSecured(peer types.PeerID, dir types.Direction) bool
}
