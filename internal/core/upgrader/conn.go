package upgrader

import (
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ============================================================================
//                              剩余字节回放包装
// ============================================================================

// rawWithRemainder 带剩余字节回放的原始连接
//
// 协商读超了的字节在下一次 Read 时优先返回，
// 之后透传底层连接。层边界不丢字节的关键。
type rawWithRemainder struct {
	ifc.RawConn
	rem []byte
}

// WrapRaw 在原始连接上回放剩余字节
func WrapRaw(raw ifc.RawConn, remainder []byte) ifc.RawConn {
	if len(remainder) == 0 {
		return raw
	}
	return &rawWithRemainder{RawConn: raw, rem: remainder}
}

func (c *rawWithRemainder) Read(p []byte) (int, error) {
	if len(c.rem) > 0 {
		n := copy(p, c.rem)
		c.rem = c.rem[n:]
		return n, nil
	}
	return c.RawConn.Read(p)
}

// securedWithRemainder 带剩余字节回放的安全连接
type securedWithRemainder struct {
	ifc.SecureConn
	rem []byte
}

// WrapSecured 在安全连接上回放剩余字节
func WrapSecured(secured ifc.SecureConn, remainder []byte) ifc.SecureConn {
	if len(remainder) == 0 {
		return secured
	}
	return &securedWithRemainder{SecureConn: secured, rem: remainder}
}

func (c *securedWithRemainder) Read(p []byte) (int, error) {
	if len(c.rem) > 0 {
		n := copy(p, c.rem)
		c.rem = c.rem[n:]
		return n, nil
	}
	return c.SecureConn.Read(p)
}

// ============================================================================
//                              UpgradedConn
// ============================================================================

// 确保实现了接口
var _ ifc.MuxedConn = (*UpgradedConn)(nil)

// UpgradedConn 升级完成的连接
//
// 在多路复用连接之上记录协商出的安全协议与复用器。
type UpgradedConn struct {
	ifc.MuxedConn

	securityID types.ProtocolID
	muxerID    types.ProtocolID
}

// Security 返回协商出的安全协议
func (c *UpgradedConn) Security() types.ProtocolID {
	return c.securityID
}

// Muxer 返回协商出的复用器
func (c *UpgradedConn) Muxer() types.ProtocolID {
	return c.muxerID
}
