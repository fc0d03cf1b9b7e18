package nexp2p

import (
	"context"

	"go.uber.org/fx"
)

// Params Node 依赖参数
type Params struct {
	fx.In

	// Options 节点装配选项
	Options []Option `group:"nexp2p_options"`
}

// Module NexP2P Fx 模块
//
// 提供 *Node 并把 Start/Close 挂接到 fx 生命周期。
var Module = fx.Module("nexp2p",
	fx.Provide(provideNode),
	fx.Invoke(hookLifecycle),
)

// provideNode 从选项组装节点
func provideNode(params Params) (*Node, error) {
	return New(params.Options...)
}

// hookLifecycle 挂接启动与关闭
func hookLifecycle(lc fx.Lifecycle, n *Node) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return n.Start()
		},
		OnStop: func(context.Context) error {
			return n.Close()
		},
	})
}

// AsOption 把选项注入 fx 选项组
//
// 用法：
//
//	fx.New(
//	    nexp2p.Module,
//	    nexp2p.AsOption(nexp2p.WithListenAddrs("/ip4/0.0.0.0/tcp/4001")),
//	)
func AsOption(opt Option) fx.Option {
	// fx.Supply 不接受函数值，经注解的构造函数注入
	return fx.Provide(fx.Annotate(
		func() Option { return opt },
		fx.ResultTags(`group:"nexp2p_options"`),
	))
}
