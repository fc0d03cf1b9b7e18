package types

// ProtocolID 应用协议标识符
//
// 形如 /echo/1.0.0 的路径风格字符串，
// 经 multistream-select 协商后决定流的处理协议。
type ProtocolID string

// String 返回协议 ID 字符串
func (p ProtocolID) String() string {
	return string(p)
}

// ============================================================================
//                              内置协议 ID
// ============================================================================

const (
	// ProtocolMultistream multistream-select 协商头
	ProtocolMultistream ProtocolID = "/multistream/1.0.0"

	// ProtocolRelayHop Circuit Relay v2 HOP 协议
	ProtocolRelayHop ProtocolID = "/libp2p/circuit/relay/0.2.0/hop"

	// ProtocolRelayStop Circuit Relay v2 STOP 协议
	ProtocolRelayStop ProtocolID = "/libp2p/circuit/relay/0.2.0/stop"

	// ProtocolYamux yamux 流多路复用
	ProtocolYamux ProtocolID = "/yamux/1.0.0"

	// ProtocolPlaintext 明文安全升级（测试级）
	ProtocolPlaintext ProtocolID = "/plaintext/2.0.0"
)
