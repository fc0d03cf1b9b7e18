// Package plain 实现明文安全升级器（/plaintext/2.0.0 风格）
//
// 握手只交换身份：双方互发 (PeerID, ed25519 公钥) 的
// protobuf 记录（varint 长度前缀），校验 PeerID 与公钥的
// 派生关系。不加密传输内容，仅用于测试与封闭环境。
//
// 作为早期复用器协商的参考实现：握手记录可携带本端支持的
// 复用器列表，双方按发起方优先级取交集，省去第二轮
// multistream-select。
package plain

import (
	"context"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// MaxExchangeSize 握手记录上限
const MaxExchangeSize = 4 * 1024

// 确保实现了接口
var (
	_ ifc.SecurityUpgrader     = (*Plain)(nil)
	_ ifc.EarlyMuxerNegotiator = (*Plain)(nil)
)

// Plain 明文安全升级器
type Plain struct{}

// New 创建明文安全升级器
func New() *Plain {
	return &Plain{}
}

// ID 返回协商用的协议 ID
func (p *Plain) ID() types.ProtocolID {
	return types.ProtocolPlaintext
}

// SecureOutbound 出站握手
func (p *Plain) SecureOutbound(ctx context.Context, raw ifc.RawConn, kp *crypto.KeyPair, expectedPeer types.PeerID) (ifc.SecureConn, error) {
	sc, _, err := p.handshake(ctx, raw, kp, expectedPeer, nil, true)
	return sc, err
}

// SecureInbound 入站握手
func (p *Plain) SecureInbound(ctx context.Context, raw ifc.RawConn, kp *crypto.KeyPair) (ifc.SecureConn, error) {
	sc, _, err := p.handshake(ctx, raw, kp, "", nil, false)
	return sc, err
}

// SecureOutboundWithEarlyMuxer 出站握手并协商复用器
func (p *Plain) SecureOutboundWithEarlyMuxer(ctx context.Context, raw ifc.RawConn, kp *crypto.KeyPair, expectedPeer types.PeerID, muxers []types.ProtocolID) (ifc.SecureConn, types.ProtocolID, error) {
	return p.handshake(ctx, raw, kp, expectedPeer, muxers, true)
}

// SecureInboundWithEarlyMuxer 入站握手并协商复用器
func (p *Plain) SecureInboundWithEarlyMuxer(ctx context.Context, raw ifc.RawConn, kp *crypto.KeyPair, muxers []types.ProtocolID) (ifc.SecureConn, types.ProtocolID, error) {
	return p.handshake(ctx, raw, kp, "", muxers, false)
}

// handshake 执行双向身份交换
//
// 写读并行进行：net.Pipe 等无缓冲底层上串行写读会互相死锁。
func (p *Plain) handshake(
	ctx context.Context,
	raw ifc.RawConn,
	kp *crypto.KeyPair,
	expectedPeer types.PeerID,
	muxers []types.ProtocolID,
	isInitiator bool,
) (ifc.SecureConn, types.ProtocolID, error) {
	if kp == nil {
		return nil, "", ErrNilKeyPair
	}

	local := exchange{
		ID:     kp.PeerID(),
		PubKey: kp.PublicKey(),
		Muxers: muxers,
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeExchange(raw, &local)
	}()

	remote, err := readExchange(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := <-writeErr; err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	// 身份校验：PeerID 必须由公钥派生
	if !remote.ID.MatchesPublicKey(remote.PubKey) {
		return nil, "", fmt.Errorf("%w: peer id does not match public key", ErrIdentityMismatch)
	}
	if !expectedPeer.IsEmpty() && remote.ID != expectedPeer {
		return nil, "", fmt.Errorf("%w: expected %s, got %s",
			ErrIdentityMismatch, expectedPeer.ShortString(), remote.ID.ShortString())
	}

	// 早期复用器选择：按发起方优先级取交集
	var chosen types.ProtocolID
	initiatorList, responderList := local.Muxers, remote.Muxers
	if !isInitiator {
		initiatorList, responderList = remote.Muxers, local.Muxers
	}
	if len(initiatorList) > 0 && len(responderList) > 0 {
		responderSet := make(map[types.ProtocolID]struct{}, len(responderList))
		for _, m := range responderList {
			responderSet[m] = struct{}{}
		}
		for _, m := range initiatorList {
			if _, ok := responderSet[m]; ok {
				chosen = m
				break
			}
		}
	}

	return &Conn{
		RawConn:      raw,
		localPeer:    kp.PeerID(),
		remotePeer:   remote.ID,
		remotePubKey: remote.PubKey,
	}, chosen, nil
}

// ============================================================================
//                              握手记录编解码
// ============================================================================

// exchange 握手记录
//
// protobuf 字段：1=id (bytes)、2=pubkey (bytes)、3=muxers (repeated string)。
type exchange struct {
	ID     types.PeerID
	PubKey []byte
	Muxers []types.ProtocolID
}

func marshalExchange(e *exchange) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(e.ID))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.PubKey)
	for _, m := range e.Muxers {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, []byte(m))
	}
	return buf
}

func unmarshalExchange(data []byte) (*exchange, error) {
	e := &exchange{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected wire type %d for field %d", typ, num)
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case 1:
			e.ID = types.PeerID(v)
		case 2:
			e.PubKey = append([]byte(nil), v...)
		case 3:
			e.Muxers = append(e.Muxers, types.ProtocolID(v))
		}
	}
	return e, nil
}

func writeExchange(w io.Writer, e *exchange) error {
	payload := marshalExchange(e)
	buf := varint.ToUvarint(uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readExchange(r io.Reader) (*exchange, error) {
	// 逐字节读 varint，避免读超产生缓冲残留
	n, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	if n > MaxExchangeSize {
		return nil, fmt.Errorf("exchange record too large: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return unmarshalExchange(payload)
}

// byteReader 单字节读取适配器
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
