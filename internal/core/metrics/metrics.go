// Package metrics 提供核心组件的 prometheus 指标
//
// 所有方法对 nil 接收者安全：未启用指标时组件直接持有 nil。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexp2p/go-nexp2p/pkg/types"
)

// Metrics 核心指标集
type Metrics struct {
	dialsTotal       *prometheus.CounterVec
	connsCurrent     *prometheus.GaugeVec
	streamsCurrent   prometheus.Gauge
	trimsTotal       prometheus.Counter
	reconnectsTotal  *prometheus.CounterVec
	relayCircuits    prometheus.Gauge
	relayDataBytes   prometheus.Counter
	relayResvCurrent prometheus.Gauge
}

// New 创建指标集并注册到 registerer
//
// registerer 为 nil 时使用默认注册表。
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		dialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexp2p",
			Subsystem: "swarm",
			Name:      "dials_total",
			Help:      "拨号总数（按结果）",
		}, []string{"outcome"}),
		connsCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexp2p",
			Subsystem: "swarm",
			Name:      "connections",
			Help:      "当前连接数（按方向）",
		}, []string{"direction"}),
		streamsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexp2p",
			Subsystem: "swarm",
			Name:      "streams",
			Help:      "当前协商完成的流数",
		}),
		trimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexp2p",
			Subsystem: "swarm",
			Name:      "trims_total",
			Help:      "被修剪的连接总数",
		}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexp2p",
			Subsystem: "swarm",
			Name:      "reconnects_total",
			Help:      "重连尝试总数（按结果）",
		}, []string{"outcome"}),
		relayCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexp2p",
			Subsystem: "relay",
			Name:      "circuits",
			Help:      "中继服务器当前活跃电路数",
		}),
		relayDataBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexp2p",
			Subsystem: "relay",
			Name:      "data_bytes_total",
			Help:      "中继转发的字节总数",
		}),
		relayResvCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexp2p",
			Subsystem: "relay",
			Name:      "reservations",
			Help:      "中继服务器当前预留数",
		}),
	}

	registerer.MustRegister(
		m.dialsTotal, m.connsCurrent, m.streamsCurrent, m.trimsTotal,
		m.reconnectsTotal, m.relayCircuits, m.relayDataBytes, m.relayResvCurrent,
	)
	return m
}

// DialCompleted 记录拨号结果
func (m *Metrics) DialCompleted(success bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if success {
		outcome = "ok"
	}
	m.dialsTotal.WithLabelValues(outcome).Inc()
}

// ConnOpened 记录连接建立
func (m *Metrics) ConnOpened(dir types.Direction) {
	if m == nil {
		return
	}
	m.connsCurrent.WithLabelValues(dir.String()).Inc()
}

// ConnClosed 记录连接关闭
func (m *Metrics) ConnClosed(dir types.Direction) {
	if m == nil {
		return
	}
	m.connsCurrent.WithLabelValues(dir.String()).Dec()
}

// StreamOpened 记录流建立
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsCurrent.Inc()
}

// StreamClosed 记录流关闭
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsCurrent.Dec()
}

// ConnTrimmed 记录连接被修剪
func (m *Metrics) ConnTrimmed() {
	if m == nil {
		return
	}
	m.trimsTotal.Inc()
}

// ReconnectCompleted 记录重连结果
func (m *Metrics) ReconnectCompleted(success bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if success {
		outcome = "ok"
	}
	m.reconnectsTotal.WithLabelValues(outcome).Inc()
}

// RelayCircuitOpened 记录中继电路建立
func (m *Metrics) RelayCircuitOpened() {
	if m == nil {
		return
	}
	m.relayCircuits.Inc()
}

// RelayCircuitClosed 记录中继电路关闭
func (m *Metrics) RelayCircuitClosed() {
	if m == nil {
		return
	}
	m.relayCircuits.Dec()
}

// RelayDataForwarded 记录中继转发字节数
func (m *Metrics) RelayDataForwarded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayDataBytes.Add(float64(n))
}

// RelayReservations 设置当前预留数
func (m *Metrics) RelayReservations(n int) {
	if m == nil {
		return
	}
	m.relayResvCurrent.Set(float64(n))
}
