package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// LinkMetrics 串口链路业务指标
type LinkMetrics struct {
	FramesDecoded   *prometheus.CounterVec // labels: type
	FramesDropped   prometheus.Counter     // 校验或解析失败被丢弃的帧
	BytesReceived   prometheus.Counter
	HeartbeatTotal  prometheus.Counter
	ReconnectTotal  prometheus.Counter
	LinkStateGauge  prometheus.Gauge // 0=disconnected 1=connecting 2=connected 3=degraded
	CommandTotal    *prometheus.CounterVec // labels: type, result=acked|timeout|linklost
	CommandRTT      prometheus.Histogram   // 指令发出到 ACK 的耗时
	SamplesTotal    prometheus.Counter
	SamplesDropped  prometheus.Counter // 订阅者缓冲溢出丢弃
	SafetyTripTotal prometheus.Counter // 安全限值触发次数
}

// NewLinkMetrics 注册并返回链路指标
func NewLinkMetrics(reg *prometheus.Registry) *LinkMetrics {
	m := &LinkMetrics{
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "utm_frames_decoded_total",
			Help: "Frames decoded from the serial stream.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utm_frames_dropped_total",
			Help: "Frames dropped due to CRC or parse failure.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utm_serial_bytes_received_total",
			Help: "Total bytes read from the serial port.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utm_heartbeat_total",
			Help: "Heartbeat probes sent.",
		}),
		ReconnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utm_reconnect_total",
			Help: "Reconnect attempts.",
		}),
		LinkStateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "utm_link_state",
			Help: "Current link state (0=disconnected 1=connecting 2=connected 3=degraded).",
		}),
		CommandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "utm_command_total",
			Help: "Commands by type and final result.",
		}, []string{"type", "result"}),
		CommandRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "utm_command_rtt_seconds",
			Help:    "Command send-to-ack round trip time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utm_telemetry_samples_total",
			Help: "Telemetry samples decoded.",
		}),
		SamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utm_telemetry_samples_dropped_total",
			Help: "Samples dropped on subscriber buffer overflow.",
		}),
		SafetyTripTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "utm_safety_trip_total",
			Help: "Safety limit violations that triggered an emergency stop.",
		}),
	}
	reg.MustRegister(
		m.FramesDecoded, m.FramesDropped, m.BytesReceived,
		m.HeartbeatTotal, m.ReconnectTotal, m.LinkStateGauge,
		m.CommandTotal, m.CommandRTT,
		m.SamplesTotal, m.SamplesDropped, m.SafetyTripTotal,
	)
	return m
}
