// relay-server 独立中继服务器
//
// 在公网节点上运行，为 NAT 后的节点提供 Circuit Relay v2
// 预留与转发服务。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"

	nexp2p "github.com/nexp2p/go-nexp2p"
	relayserver "github.com/nexp2p/go-nexp2p/internal/core/relay/server"
	"github.com/nexp2p/go-nexp2p/pkg/lib/log"
	"github.com/nexp2p/go-nexp2p/pkg/lib/proto/relaypb"
)

func main() {
	var (
		listenFlag    = flag.String("listen", "/ip4/0.0.0.0/tcp/4002", "监听地址（逗号分隔）")
		maxResvFlag   = flag.Int("max-reservations", 128, "预留总数上限")
		maxCircFlag   = flag.Int("max-circuits", 16, "单节点电路上限")
		ttlFlag       = flag.Duration("reservation-ttl", time.Hour, "预留存续时长")
		dataLimitFlag = flag.Uint64("data-limit", 1<<17, "单电路字节上限")
		durLimitFlag  = flag.Duration("duration-limit", 2*time.Minute, "单电路时长上限")
		verboseFlag   = flag.Bool("v", false, "输出调试日志")
	)
	flag.Parse()

	if *verboseFlag {
		log.SetLevel(slog.LevelDebug)
	}

	serverCfg := relayserver.Config{
		MaxReservations:    *maxResvFlag,
		MaxCircuitsPerPeer: *maxCircFlag,
		ReservationTTL:     *ttlFlag,
		DefaultLimit: relaypb.Limit{
			DurationSeconds: uint32(durLimitFlag.Seconds()),
			Data:            *dataLimitFlag,
		},
		StreamTimeout: 30 * time.Second,
	}

	app := fx.New(
		nexp2p.Module,
		nexp2p.AsOption(nexp2p.WithListenAddrs(strings.Split(*listenFlag, ",")...)),
		nexp2p.AsOption(nexp2p.WithRelayServer(serverCfg)),
		fx.Invoke(printIdentity),
		fx.NopLogger,
	)

	app.Run()
	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "relay-server:", err)
		os.Exit(1)
	}
}

// printIdentity 启动后输出节点身份与监听地址
func printIdentity(lc fx.Lifecycle, n *nexp2p.Node) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			fmt.Println("peer id:", n.PeerID())
			for _, a := range n.ListenAddrs() {
				fmt.Printf("listening: %s/p2p/%s\n", a, n.PeerID())
			}
			return nil
		},
	})
}
