package interfaces

import "github.com/nexp2p/go-nexp2p/pkg/types"

// ============================================================================
//                              ResourceManager 接口
// ============================================================================

// ResourceManager 资源预算管理器
//
// 按 (peer, direction) 记账连接与流的预留。
// 所有操作同步返回；预留失败返回 *types.ResourceLimitError。
// 每次成功的 Reserve 必须在所有退出路径上配对 Release。
type ResourceManager interface {
	// ReserveInboundConnection 预留入站连接额度
	ReserveInboundConnection(peer types.PeerID) error

	// ReserveOutboundConnection 预留出站连接额度
	ReserveOutboundConnection(peer types.PeerID) error

	// ReleaseConnection 释放连接额度
	ReleaseConnection(peer types.PeerID, dir types.Direction)

	// ReserveInboundStream 预留入站流额度
	ReserveInboundStream(peer types.PeerID) error

	// ReserveOutboundStream 预留出站流额度
	ReserveOutboundStream(peer types.PeerID) error

	// ReleaseStream 释放流额度
	ReleaseStream(peer types.PeerID, dir types.Direction)
}
