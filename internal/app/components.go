package app

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/sfc-host/internal/config"
	"github.com/taoyao-code/sfc-host/internal/firmware"
	"github.com/taoyao-code/sfc-host/internal/httpserver"
	"github.com/taoyao-code/sfc-host/internal/metrics"
	"github.com/taoyao-code/sfc-host/internal/names"
	"github.com/taoyao-code/sfc-host/internal/outbound"
	"github.com/taoyao-code/sfc-host/internal/poller"
	pgstorage "github.com/taoyao-code/sfc-host/internal/storage/pg"
	redisstorage "github.com/taoyao-code/sfc-host/internal/storage/redis"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
	"github.com/taoyao-code/sfc-host/internal/transport"
)

// NewMetrics 初始化注册表与应用指标
func NewMetrics() (*prometheus.Registry, *metrics.AppMetrics) {
	reg := metrics.NewRegistry()
	return reg, metrics.NewAppMetrics(reg)
}

// NewHTTPServer 根据配置创建 HTTP 服务器
func NewHTTPServer(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, ready httpserver.Readiness, log *zap.Logger) *httpserver.Server {
	return httpserver.New(cfg, metricsPath, metricsHandler, ready, log)
}

// NewTransport 打开 SFC 串口；设备不在线不算错误
func NewTransport(cfg cfgpkg.TransportConfig, verify bool, log *zap.Logger, m *metrics.AppMetrics) *transport.Serial {
	tr := transport.NewSerial(transport.SerialConfig{
		Port:           cfg.Port,
		VID:            cfg.VID,
		PID:            cfg.PID,
		BaudRate:       cfg.BaudRate,
		ReadTimeout:    cfg.ReadTimeout,
		VerifyChecksum: verify,
	}, log.Named("serial"))
	tr.OnDrop = m.RxDropped
	return tr
}

// ExecutorConfig 事务参数映射
func ExecutorConfig(cfg cfgpkg.ProtocolConfig) outbound.Config {
	return outbound.Config{
		MaxAttempts:     cfg.MaxAttempts,
		WaitCycles:      cfg.WaitCycles,
		WaitCycle:       cfg.WaitCycle,
		BusPolls:        cfg.BusPolls,
		BusPollInterval: cfg.BusPollInterval,
		VerifyChecksum:  cfg.VerifyResponseChecksum,
	}
}

// NewExecutor 创建执行器，txRate>0 时安装发送节流
func NewExecutor(tr transport.Transport, cfg cfgpkg.ProtocolConfig, log *zap.Logger, m *metrics.AppMetrics) *outbound.Executor {
	ex := outbound.NewExecutor(tr, ExecutorConfig(cfg), log, m)
	if p := outbound.NewPacer(cfg.TxRate, cfg.TxBurst); p != nil {
		ex.SetPacer(p)
		log.Info("tx pacing enabled", zap.Int("rate", cfg.TxRate), zap.Int("burst", cfg.TxBurst))
	}
	return ex
}

// PollerConfig 轮询参数映射
func PollerConfig(cfg cfgpkg.PollConfig) (poller.Config, error) {
	units, err := cfg.Units()
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Interval:       cfg.Interval,
		MCTLogInterval: cfg.MCTLogInterval,
		SFCLogInterval: cfg.SFCLogInterval,
		LogUnits:       units,
	}, nil
}

// FirmwareConfig 升级参数映射
func FirmwareConfig(cfg cfgpkg.FirmwareConfig) firmware.Config {
	return firmware.Config{
		EraseSettle:    cfg.EraseSettle,
		RecordAttempts: cfg.RecordAttempts,
		AppStart:       cfg.AppStart,
		BootStart:      cfg.BootStart,
		ChecksumAddr:   uint16(cfg.ChecksumAddr),
	}
}

// LoadNames 加载名称表；文件不存在时只记警告，解码结果不带名称
func LoadNames(path string, log *zap.Logger) (*names.Tables, error) {
	if path == "" {
		return nil, nil
	}
	t, err := names.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("name table not found, decoding without names", zap.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("name table loaded", zap.String("path", path), zap.Int("params", len(t.Params())))
	return t, nil
}

// BuildSink 组合遥测输出：日志总是存在，数据库与 Redis 按需追加
func BuildSink(log *zap.Logger, repo *pgstorage.Repository, cache *redisstorage.SnapshotCache) telemetry.Sink {
	sinks := telemetry.MultiSink{telemetry.NewLogSink(log.Named("telemetry"))}
	if repo != nil {
		sinks = append(sinks, repo)
	}
	if cache != nil {
		sinks = append(sinks, cache)
	}
	return sinks
}
