// Package muxer 实现流多路复用
//
// 基于 yamux 协议（github.com/libp2p/go-yamux/v5）在安全连接上
// 叠加多个独立的双工子流。本包只做接口适配：会话管理、
// 流量控制与窗口调度均由 yamux 提供。
package muxer

import (
	"io"
	"math"

	"github.com/libp2p/go-yamux/v5"

	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

var logger = log.Logger("core/muxer")

// 确保实现了接口
var _ ifc.Muxer = (*Transport)(nil)

// Transport yamux 复用器
type Transport struct {
	config *yamux.Config
}

// NewTransport 创建 yamux 复用器
func NewTransport() *Transport {
	config := yamux.DefaultConfig()

	// 16MiB 窗口：100ms 延迟下可达 160MB/s 吞吐量
	config.MaxStreamWindowSize = uint32(16 * 1024 * 1024)

	// 日志走统一设施，yamux 内部日志静音
	config.LogOutput = io.Discard

	// 入站流上限由协商信号量与资源管理器控制
	config.MaxIncomingStreams = math.MaxUint32

	return &Transport{config: config}
}

// ID 返回协商用的协议 ID
func (t *Transport) ID() types.ProtocolID {
	return types.ProtocolYamux
}

// Multiplex 在安全连接上建立多路复用会话
func (t *Transport) Multiplex(secured ifc.SecureConn, isInitiator bool) (ifc.MuxedConn, error) {
	nc := newNetConn(secured)

	var session *yamux.Session
	var err error
	if isInitiator {
		session, err = yamux.Client(nc, t.config, nil)
	} else {
		session, err = yamux.Server(nc, t.config, nil)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("复用会话已建立",
		"remotePeer", log.TruncateID(string(secured.RemotePeer()), 8),
		"initiator", isInitiator)

	return &muxedConn{session: session, secured: secured}, nil
}
