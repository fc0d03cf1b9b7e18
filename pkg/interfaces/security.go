package interfaces

import (
	"context"

	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              SecurityUpgrader 接口
// ============================================================================

// SecurityUpgrader 安全升级器接口
//
// 将原始连接升级为带认证身份的安全连接。
// 具体握手算法（Noise、TLS 等）由实现方提供。
type SecurityUpgrader interface {
	// ID 返回 multistream-select 协商用的协议 ID
	ID() types.ProtocolID

	// SecureOutbound 出站握手
	//
	// expectedPeer 是期望的远程节点 ID；非空时实现必须校验，
	// 不匹配返回错误。
	SecureOutbound(ctx context.Context, raw RawConn, kp *crypto.KeyPair, expectedPeer types.PeerID) (SecureConn, error)

	// SecureInbound 入站握手
	SecureInbound(ctx context.Context, raw RawConn, kp *crypto.KeyPair) (SecureConn, error)
}

// ============================================================================
//                              早期复用器协商
// ============================================================================

// EarlyMuxerNegotiator 握手内嵌复用器协商能力
//
// 部分安全协议可在握手载荷中携带复用器选择，
// 省去升级管线的第二轮 multistream-select。
// 升级器通过类型断言探测此能力（可选扩展，而非继承）。
type EarlyMuxerNegotiator interface {
	// SecureOutboundWithEarlyMuxer 出站握手并协商复用器
	//
	// muxers 为本端支持的复用器协议列表（按优先级排序）。
	// 返回的 muxerID 为空表示对端未参与早期协商，
	// 调用方应回退到独立的复用器协商。
	SecureOutboundWithEarlyMuxer(ctx context.Context, raw RawConn, kp *crypto.KeyPair, expectedPeer types.PeerID, muxers []types.ProtocolID) (SecureConn, types.ProtocolID, error)

	// SecureInboundWithEarlyMuxer 入站握手并协商复用器
	SecureInboundWithEarlyMuxer(ctx context.Context, raw RawConn, kp *crypto.KeyPair, muxers []types.ProtocolID) (SecureConn, types.ProtocolID, error)
}
