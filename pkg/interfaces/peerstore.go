package interfaces

import (
	"time"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              Peerstore 接口
// ============================================================================

// Peerstore 节点地址簿（外部协作者）
//
// 发现子系统（mDNS、引导、地址交换等）通过本接口向核心
// 提供候选地址；核心自身不实现发现。
type Peerstore interface {
	// AddAddr 记录节点地址及其存活期
	AddAddr(peer types.PeerID, addr *types.Multiaddr, ttl time.Duration)

	// Addrs 返回节点的已知未过期地址
	Addrs(peer types.PeerID) []*types.Multiaddr

	// RecordSuccess 记录地址拨号成功
	RecordSuccess(peer types.PeerID, addr *types.Multiaddr)

	// RecordFailure 记录地址拨号失败
	RecordFailure(peer types.PeerID, addr *types.Multiaddr)
}
