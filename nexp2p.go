// Package nexp2p 组装 NexP2P 节点
//
// Node 把身份、传输、升级管线、Swarm 与中继客户端/服务器
// 装配为一个可启动的整体。各子系统的实现位于 internal/core，
// 对外契约位于 pkg/interfaces 与 pkg/types。
package nexp2p

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/nexp2p/go-nexp2p/internal/core/eventbus"
	"github.com/nexp2p/go-nexp2p/internal/core/metrics"
	"github.com/nexp2p/go-nexp2p/internal/core/muxer"
	"github.com/nexp2p/go-nexp2p/internal/core/pool"
	relayclient "github.com/nexp2p/go-nexp2p/internal/core/relay/client"
	relayserver "github.com/nexp2p/go-nexp2p/internal/core/relay/server"
	"github.com/nexp2p/go-nexp2p/internal/core/security/plain"
	"github.com/nexp2p/go-nexp2p/internal/core/swarm"
	"github.com/nexp2p/go-nexp2p/internal/core/transport/memory"
	"github.com/nexp2p/go-nexp2p/internal/core/transport/tcp"
	"github.com/nexp2p/go-nexp2p/internal/core/upgrader"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// Node NexP2P 节点
type Node struct {
	kp *crypto.KeyPair
	sw *swarm.Swarm

	relayClient *relayclient.Client
	relayServer *relayserver.Server

	running bool
}

// New 创建节点
//
// 未显式配置时：生成新身份，启用 TCP 与 memory 传输，
// 明文安全升级与 yamux 复用，默认 Swarm 配置。
func New(opts ...Option) (*Node, error) {
	cfg := defaultSettings()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.keyPair == nil {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
		cfg.keyPair = kp
	}
	if len(cfg.transports) == 0 {
		cfg.transports = []ifc.Transport{tcp.New(), memory.New()}
	}
	if len(cfg.security) == 0 {
		cfg.security = []ifc.SecurityUpgrader{plain.New()}
	}
	if len(cfg.muxers) == 0 {
		cfg.muxers = []ifc.Muxer{muxer.NewTransport()}
	}

	up, err := upgrader.New(upgrader.Config{
		Security: cfg.security,
		Muxers:   cfg.muxers,
	})
	if err != nil {
		return nil, err
	}

	swarmCfg := cfg.swarmConfig
	swarmCfg.Pool.ReconnectPolicy = cfg.reconnectPolicy
	swarmCfg.Pool.Gater = cfg.gater

	swarmOpts := []swarm.Option{
		swarm.WithListenAddrs(cfg.listenAddrs...),
	}
	if cfg.gater != nil {
		swarmOpts = append(swarmOpts, swarm.WithGater(cfg.gater))
	}
	if cfg.rcmgr != nil {
		swarmOpts = append(swarmOpts, swarm.WithResourceManager(cfg.rcmgr))
	}
	if cfg.metrics != nil {
		swarmOpts = append(swarmOpts, swarm.WithMetrics(cfg.metrics))
	}

	sw, err := swarm.New(cfg.keyPair, cfg.transports, up, swarmCfg, swarmOpts...)
	if err != nil {
		return nil, err
	}

	n := &Node{
		kp:          cfg.keyPair,
		sw:          sw,
		relayClient: relayclient.New(sw, cfg.relayClientConfig),
	}
	if cfg.relayServerConfig != nil {
		var serverOpts []relayserver.Option
		if cfg.metrics != nil {
			serverOpts = append(serverOpts, relayserver.WithMetrics(cfg.metrics))
		}
		n.relayServer = relayserver.New(sw, *cfg.relayServerConfig, serverOpts...)
	}
	return n, nil
}

// Start 启动节点
func (n *Node) Start() error {
	if n.running {
		return nil
	}
	if err := n.sw.Start(); err != nil {
		return err
	}
	n.relayClient.Start()
	if n.relayServer != nil {
		n.relayServer.Start()
	}
	n.running = true
	return nil
}

// Close 关闭节点
//
// 幂等；各子系统尽力关闭，错误聚合返回。
func (n *Node) Close() error {
	if !n.running {
		return nil
	}
	n.running = false

	var errs error
	if n.relayServer != nil {
		errs = multierr.Append(errs, n.relayServer.Close())
	}
	errs = multierr.Append(errs, n.relayClient.Close())
	errs = multierr.Append(errs, n.sw.Shutdown())
	return errs
}

// ============================================================================
//                              访问器与快捷方法
// ============================================================================

// PeerID 返回节点标识
func (n *Node) PeerID() types.PeerID {
	return n.kp.PeerID()
}

// Swarm 返回连接群
func (n *Node) Swarm() *swarm.Swarm {
	return n.sw
}

// RelayClient 返回中继客户端
func (n *Node) RelayClient() *relayclient.Client {
	return n.relayClient
}

// RelayServer 返回中继服务器（未启用时为 nil）
func (n *Node) RelayServer() *relayserver.Server {
	return n.relayServer
}

// ListenAddrs 返回对外公布的监听地址
func (n *Node) ListenAddrs() []*types.Multiaddr {
	return n.sw.ListenAddrs()
}

// Dial 拨号建立连接
func (n *Node) Dial(ctx context.Context, addr *types.Multiaddr) (types.PeerID, error) {
	return n.sw.Dial(ctx, addr)
}

// NewStream 打开协商完成的子流
func (n *Node) NewStream(ctx context.Context, peer types.PeerID, proto types.ProtocolID) (ifc.MuxedStream, error) {
	return n.sw.NewStream(ctx, peer, proto)
}

// SetStreamHandler 注册协议处理器
func (n *Node) SetStreamHandler(proto types.ProtocolID, handler ifc.StreamHandler) {
	n.sw.SetStreamHandler(proto, handler)
}

// Events 订阅事件流
func (n *Node) Events() *eventbus.Subscription {
	return n.sw.Events()
}

// ============================================================================
//                              未导出的装配配置
// ============================================================================

type settings struct {
	keyPair     *crypto.KeyPair
	listenAddrs []*types.Multiaddr

	transports []ifc.Transport
	security   []ifc.SecurityUpgrader
	muxers     []ifc.Muxer

	swarmConfig     *swarm.Config
	reconnectPolicy pool.ReconnectPolicy
	gater           ifc.Gater
	rcmgr           ifc.ResourceManager
	metrics         *metrics.Metrics

	relayClientConfig relayclient.Config
	relayServerConfig *relayserver.Config
}

func defaultSettings() *settings {
	return &settings{
		swarmConfig:       swarm.DefaultConfig(),
		relayClientConfig: relayclient.DefaultConfig(),
	}
}
