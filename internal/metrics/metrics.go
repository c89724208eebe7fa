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

// AppMetrics 自定义业务指标。所有方法对 nil 接收者安全，便于测试时不注册指标。
type AppMetrics struct {
	TransactionTotal *prometheus.CounterVec // labels: cmd, result=ok|timeout|transport
	RetryTotal       *prometheus.CounterVec // labels: reason=pid|timeout|checksum
	BusPolls         prometheus.Histogram   // 每次转发的 GET_MCT485 次数
	PollStateTotal   *prometheus.CounterVec // labels: state
	PollCycleTotal   prometheus.Counter     // 完整轮询周期
	MalformedTotal   *prometheus.CounterVec // labels: cmd
	RxDroppedTotal   prometheus.Counter     // 上行队列溢出
	FirmwareRecords  *prometheus.CounterVec // labels: result=ok|retry|failed
	FirmwareUpdating prometheus.Gauge
	DeviceDetected   prometheus.Gauge
	SinkErrorsTotal  *prometheus.CounterVec // labels: sink
	JobsTotal        *prometheus.CounterVec // labels: kind, result
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		TransactionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfc_transaction_total",
			Help: "SFC request/response transactions by command and result.",
		}, []string{"cmd", "result"}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfc_retry_total",
			Help: "Resends within a transaction by reason.",
		}, []string{"reason"}),
		BusPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sfc_bus_polls",
			Help:    "GET_MCT485 sub-polls needed per forwarded command.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250, 500},
		}),
		PollStateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfc_poll_state_total",
			Help: "Poll scheduler ticks by state.",
		}, []string{"state"}),
		PollCycleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfc_poll_cycle_total",
			Help: "Completed full poll cycles.",
		}),
		MalformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfc_malformed_total",
			Help: "Discarded responses whose payload length did not match the command.",
		}, []string{"cmd"}),
		RxDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfc_rx_dropped_total",
			Help: "Received frames dropped because the response queue was full.",
		}),
		FirmwareRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfc_firmware_records_total",
			Help: "Firmware records programmed by result.",
		}, []string{"result"}),
		FirmwareUpdating: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfc_firmware_updating",
			Help: "1 while a firmware update is running.",
		}),
		DeviceDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfc_device_detected",
			Help: "1 when the SFC USB device is present.",
		}),
		SinkErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfc_sink_errors_total",
			Help: "Telemetry sink write failures.",
		}, []string{"sink"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfc_jobs_total",
			Help: "Operator jobs executed by kind and result.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(m.TransactionTotal, m.RetryTotal, m.BusPolls, m.PollStateTotal, m.PollCycleTotal,
		m.MalformedTotal, m.RxDroppedTotal, m.FirmwareRecords, m.FirmwareUpdating, m.DeviceDetected,
		m.SinkErrorsTotal, m.JobsTotal)
	return m
}

func (m *AppMetrics) Transaction(cmd, result string) {
	if m != nil {
		m.TransactionTotal.WithLabelValues(cmd, result).Inc()
	}
}

func (m *AppMetrics) Retry(reason string) {
	if m != nil {
		m.RetryTotal.WithLabelValues(reason).Inc()
	}
}

func (m *AppMetrics) ObserveBusPolls(n int) {
	if m != nil {
		m.BusPolls.Observe(float64(n))
	}
}

func (m *AppMetrics) PollState(state string) {
	if m != nil {
		m.PollStateTotal.WithLabelValues(state).Inc()
	}
}

func (m *AppMetrics) PollCycle() {
	if m != nil {
		m.PollCycleTotal.Inc()
	}
}

func (m *AppMetrics) Malformed(cmd string) {
	if m != nil {
		m.MalformedTotal.WithLabelValues(cmd).Inc()
	}
}

func (m *AppMetrics) RxDropped() {
	if m != nil {
		m.RxDroppedTotal.Inc()
	}
}

func (m *AppMetrics) FirmwareRecord(result string) {
	if m != nil {
		m.FirmwareRecords.WithLabelValues(result).Inc()
	}
}

func (m *AppMetrics) SetUpdating(on bool) {
	if m != nil {
		m.FirmwareUpdating.Set(boolGauge(on))
	}
}

func (m *AppMetrics) SetDeviceDetected(on bool) {
	if m != nil {
		m.DeviceDetected.Set(boolGauge(on))
	}
}

func (m *AppMetrics) SinkError(sink string) {
	if m != nil {
		m.SinkErrorsTotal.WithLabelValues(sink).Inc()
	}
}

func (m *AppMetrics) Job(kind, result string) {
	if m != nil {
		m.JobsTotal.WithLabelValues(kind, result).Inc()
	}
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
