package interfaces

import "github.com/nexp2p/go-nexp2p/pkg/types"

// ============================================================================
//                              Muxer 接口
// ============================================================================

// Muxer 流多路复用器接口
//
// 在安全连接之上叠加多个独立的逻辑子流。
type Muxer interface {
	// ID 返回 multistream-select 协商用的协议 ID
	ID() types.ProtocolID

	// Multiplex 在安全连接上建立多路复用会话
	//
	// isInitiator 表示本端是否为升级管线的发起方
	// （决定复用协议里的 client/server 角色）。
	Multiplex(secured SecureConn, isInitiator bool) (MuxedConn, error)
}
