package swarm

import (
	"errors"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// ErrSuperseded 连接被同时连接裁决取代
//
// 本端连接虽被关闭，但与该节点的另一条连接存活；
// 拨号方可将其视为成功。
var ErrSuperseded = errors.New("swarm: connection superseded by simultaneous connect")

// 错误类别统一复用 pkg/types 的共享定义，
// 调用方可以跨组件以 errors.Is 判定。
var (
	// ErrSwarmClosed 节点未运行
	ErrSwarmClosed = types.ErrNodeNotRunning

	// ErrDialToSelf 拒绝拨号自身
	ErrDialToSelf = types.ErrSelfDial

	// ErrNoTransport 没有传输层能处理该地址
	ErrNoTransport = types.ErrNoSuitableTransport

	// ErrConnectionLimit 连接数达到上限
	ErrConnectionLimit = types.ErrConnectionLimit

	// ErrNotConnected 与目标节点没有活跃连接
	ErrNotConnected = types.ErrNotConnected

	// ErrNoListeners 所有监听地址绑定失败
	ErrNoListeners = types.ErrNoListenersBound
)
