// Package upgrader 实现连接升级管线
//
// 升级流程：Raw → Secured → Muxed。
// 同一字节流上先后运行两次 multistream-select：
// 一次选安全协议，一次选复用器；每个边界的剩余字节
// 都被打包进透明包装，在下一层的首次 Read 时回放。
//
// 支持早期复用器协商的安全升级器可以在握手内完成
// 复用器选择，跳过第二轮协商。
package upgrader

import (
	"context"
	"fmt"
	"time"

	"github.com/nexp2p/go-nexp2p/internal/core/multistream"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("core/upgrader")

// Upgrader 连接升级器
type Upgrader struct {
	security         []ifc.SecurityUpgrader
	muxers           []ifc.Muxer
	negotiateTimeout time.Duration
}

// New 创建连接升级器
func New(cfg Config) (*Upgrader, error) {
	if len(cfg.Security) == 0 {
		return nil, ErrNoSecurityUpgraders
	}
	if len(cfg.Muxers) == 0 {
		return nil, ErrNoMuxers
	}

	timeout := cfg.NegotiateTimeout
	if timeout <= 0 {
		timeout = DefaultNegotiateTimeout
	}

	return &Upgrader{
		security:         cfg.Security,
		muxers:           cfg.Muxers,
		negotiateTimeout: timeout,
	}, nil
}

// SecurityProtocols 返回配置的安全协议 ID 列表
func (u *Upgrader) SecurityProtocols() []types.ProtocolID {
	ids := make([]types.ProtocolID, len(u.security))
	for i, s := range u.security {
		ids[i] = s.ID()
	}
	return ids
}

// MuxerProtocols 返回配置的复用器协议 ID 列表
func (u *Upgrader) MuxerProtocols() []types.ProtocolID {
	ids := make([]types.ProtocolID, len(u.muxers))
	for i, m := range u.muxers {
		ids[i] = m.ID()
	}
	return ids
}

// Upgrade 升级连接
//
// dir 为 DirOutbound 时本端作为发起方，DirInbound 时作为应答方。
// expectedPeer 非空时由安全升级器校验握手身份。
func (u *Upgrader) Upgrade(
	ctx context.Context,
	raw ifc.RawConn,
	kp *crypto.KeyPair,
	dir types.Direction,
	expectedPeer types.PeerID,
) (*UpgradedConn, error) {
	if kp == nil {
		raw.Close()
		return nil, ErrNilKeyPair
	}

	isInitiator := dir == types.DirOutbound

	// 协商超时；ctx 带截止时间时优先
	deadline := time.Now().Add(u.negotiateTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := raw.SetDeadline(deadline); err != nil {
		raw.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	// 1. 协商安全协议
	secUpgrader, secured, earlyMuxerID, err := u.secureConn(ctx, raw, kp, isInitiator, expectedPeer)
	if err != nil {
		raw.Close()
		return nil, err
	}

	// 2. 协商复用器（早期协商命中时跳过）
	muxerID := earlyMuxerID
	securedForMux := secured
	if muxerID == "" {
		var res *multistream.Result
		if isInitiator {
			res, err = multistream.Negotiate(secured, u.MuxerProtocols())
		} else {
			res, err = multistream.Handle(secured, u.MuxerProtocols())
		}
		if err != nil {
			secured.Close()
			return nil, fmt.Errorf("%w: %w", ErrMuxerNegotiation, err)
		}
		muxerID = res.Protocol
		securedForMux = WrapSecured(secured, res.Remainder)
	}

	muxer := u.muxerByID(muxerID)
	if muxer == nil {
		secured.Close()
		return nil, fmt.Errorf("%w: negotiated %q not configured", ErrMuxerNegotiation, muxerID)
	}

	// 3. 建立多路复用会话
	if err := raw.SetDeadline(time.Time{}); err != nil {
		secured.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	muxed, err := muxer.Multiplex(securedForMux, isInitiator)
	if err != nil {
		secured.Close()
		return nil, fmt.Errorf("%w: %v", ErrMuxerNegotiation, err)
	}

	logger.Debug("连接升级成功",
		"remotePeer", log.TruncateID(string(muxed.RemotePeer()), 8),
		"security", secUpgrader.ID(),
		"muxer", muxerID,
		"earlyMuxer", earlyMuxerID != "")

	return &UpgradedConn{
		MuxedConn:  muxed,
		securityID: secUpgrader.ID(),
		muxerID:    muxerID,
	}, nil
}

// secureConn 协商并执行安全握手
//
// 返回命中的升级器、安全连接，以及早期协商出的复用器 ID（可能为空）。
func (u *Upgrader) secureConn(
	ctx context.Context,
	raw ifc.RawConn,
	kp *crypto.KeyPair,
	isInitiator bool,
	expectedPeer types.PeerID,
) (ifc.SecurityUpgrader, ifc.SecureConn, types.ProtocolID, error) {
	var res *multistream.Result
	var err error
	if isInitiator {
		res, err = multistream.Negotiate(raw, u.SecurityProtocols())
	} else {
		res, err = multistream.Handle(raw, u.SecurityProtocols())
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %w", ErrSecurityNegotiation, err)
	}

	secUpgrader := u.securityByID(res.Protocol)
	if secUpgrader == nil {
		return nil, nil, "", fmt.Errorf("%w: negotiated %q not configured", ErrSecurityNegotiation, res.Protocol)
	}

	wrapped := WrapRaw(raw, res.Remainder)

	// 探测早期复用器协商能力
	if early, ok := secUpgrader.(ifc.EarlyMuxerNegotiator); ok {
		var secured ifc.SecureConn
		var muxerID types.ProtocolID
		if isInitiator {
			secured, muxerID, err = early.SecureOutboundWithEarlyMuxer(ctx, wrapped, kp, expectedPeer, u.MuxerProtocols())
		} else {
			secured, muxerID, err = early.SecureInboundWithEarlyMuxer(ctx, wrapped, kp, u.MuxerProtocols())
		}
		if err != nil {
			return nil, nil, "", fmt.Errorf("security handshake (%s): %w", secUpgrader.ID(), err)
		}
		return secUpgrader, secured, muxerID, nil
	}

	var secured ifc.SecureConn
	if isInitiator {
		secured, err = secUpgrader.SecureOutbound(ctx, wrapped, kp, expectedPeer)
	} else {
		secured, err = secUpgrader.SecureInbound(ctx, wrapped, kp)
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("security handshake (%s): %w", secUpgrader.ID(), err)
	}
	return secUpgrader, secured, "", nil
}

func (u *Upgrader) securityByID(id types.ProtocolID) ifc.SecurityUpgrader {
	for _, s := range u.security {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

func (u *Upgrader) muxerByID(id types.ProtocolID) ifc.Muxer {
	for _, m := range u.muxers {
		if m.ID() == id {
			return m
		}
	}
	return nil
}
