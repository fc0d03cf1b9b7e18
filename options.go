package nexp2p

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexp2p/go-nexp2p/internal/core/metrics"
	"github.com/nexp2p/go-nexp2p/internal/core/pool"
	relayclient "github.com/nexp2p/go-nexp2p/internal/core/relay/client"
	relayserver "github.com/nexp2p/go-nexp2p/internal/core/relay/server"
	"github.com/nexp2p/go-nexp2p/internal/core/swarm"
	ifc "github.com/nexp2p/go-nexp2p/pkg/interfaces"
	"github.com/nexp2p/go-nexp2p/pkg/lib/crypto"
	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// Option 节点装配选项
type Option func(*settings) error

// WithKeyPair 使用指定身份密钥
func WithKeyPair(kp *crypto.KeyPair) Option {
	return func(s *settings) error {
		s.keyPair = kp
		return nil
	}
}

// WithListenAddrs 设置监听地址（文本形式）
func WithListenAddrs(addrs ...string) Option {
	return func(s *settings) error {
		for _, a := range addrs {
			m, err := types.NewMultiaddr(a)
			if err != nil {
				return err
			}
			s.listenAddrs = append(s.listenAddrs, m)
		}
		return nil
	}
}

// WithListenMultiaddrs 设置监听地址
func WithListenMultiaddrs(addrs ...*types.Multiaddr) Option {
	return func(s *settings) error {
		s.listenAddrs = append(s.listenAddrs, addrs...)
		return nil
	}
}

// WithTransports 设置传输层（替换默认集合）
func WithTransports(trs ...ifc.Transport) Option {
	return func(s *settings) error {
		s.transports = trs
		return nil
	}
}

// WithSecurity 设置安全升级器（按优先级排序）
func WithSecurity(sec ...ifc.SecurityUpgrader) Option {
	return func(s *settings) error {
		s.security = sec
		return nil
	}
}

// WithMuxers 设置流复用器（按优先级排序）
func WithMuxers(muxers ...ifc.Muxer) Option {
	return func(s *settings) error {
		s.muxers = muxers
		return nil
	}
}

// WithSwarmConfig 使用指定 Swarm 配置
func WithSwarmConfig(cfg *swarm.Config) Option {
	return func(s *settings) error {
		s.swarmConfig = cfg
		return nil
	}
}

// WithReconnectPolicy 设置重连策略
func WithReconnectPolicy(policy pool.ReconnectPolicy) Option {
	return func(s *settings) error {
		s.reconnectPolicy = policy
		return nil
	}
}

// WithGater 设置连接闸门
func WithGater(g ifc.Gater) Option {
	return func(s *settings) error {
		s.gater = g
		return nil
	}
}

// WithResourceManager 设置资源管理器
func WithResourceManager(r ifc.ResourceManager) Option {
	return func(s *settings) error {
		s.rcmgr = r
		return nil
	}
}

// WithMetrics 启用 prometheus 指标
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(s *settings) error {
		s.metrics = metrics.New(registerer)
		return nil
	}
}

// WithRelayClientConfig 设置中继客户端配置
func WithRelayClientConfig(cfg relayclient.Config) Option {
	return func(s *settings) error {
		s.relayClientConfig = cfg
		return nil
	}
}

// WithRelayServer 启用中继服务器
func WithRelayServer(cfg relayserver.Config) Option {
	return func(s *settings) error {
		s.relayServerConfig = &cfg
		return nil
	}
}
