package monitor

import (
    "fmt"
    "net/http"
    "runtime"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/sirupsen/logrus"
)

var (
    // 会话指标
    OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "instrument_open_sessions",
        Help: "当前打开的仪器会话数",
    })

    TransportErrors = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "instrument_transport_errors_total",
            Help: "总线操作失败次数",
        },
        []string{"op"},
    )

    // 流量指标
    BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "instrument_bytes_written_total",
        Help: "写入仪器的字节总数",
    })

    BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "instrument_bytes_received_total",
        Help: "从仪器读取的字节总数",
    })

    // 波形指标
    CurveTransfers = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "instrument_curve_transfers_total",
            Help: "成功解码的波形传输次数",
        },
        []string{"device_id", "encoding"},
    )

    SamplesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "instrument_samples_decoded_total",
        Help: "解码的样本总数",
    })

    DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "instrument_decode_errors_total",
        Help: "波形块格式错误次数",
    })

    CaptureErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "instrument_capture_errors_total",
        Help: "采集失败次数",
    })

    BusyPolls = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "instrument_busy_polls_total",
        Help: "BUSY? 轮询次数",
    })

    // 延迟指标
    TransferDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "instrument_transfer_duration_seconds",
        Help:    "一次采集的耗时",
        Buckets: prometheus.DefBuckets,
    })

    // Goroutine指标
    GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "instrument_goroutines",
        Help: "当前Goroutine数量",
    })

    // 内存指标
    MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "instrument_memory_usage_bytes",
        Help: "内存使用量",
    })
)

var registerOnce sync.Once

type Monitor struct {
    log    *logrus.Logger
    server *http.Server
    stop   chan struct{}
}

func NewMonitor(log *logrus.Logger) *Monitor {
    // 注册指标, 进程内只注册一次
    registerOnce.Do(func() {
        prometheus.MustRegister(
            OpenSessions,
            TransportErrors,
            BytesWritten,
            BytesReceived,
            CurveTransfers,
            SamplesDecoded,
            DecodeErrors,
            CaptureErrors,
            BusyPolls,
            TransferDuration,
            GoroutineCount,
            MemoryUsage,
        )
    })

    return &Monitor{log: log, stop: make(chan struct{})}
}

// Handler 返回 /metrics 与 /health 路由
func (m *Monitor) Handler() http.Handler {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())

    // 健康检查端点
    mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        w.Write([]byte("OK"))
    })
    return mux
}

// StartMetricsServer 启动Metrics HTTP服务器
func (m *Monitor) StartMetricsServer(port int) {
    addr := fmt.Sprintf(":%d", port)
    m.server = &http.Server{Addr: addr, Handler: m.Handler()}
    m.log.Infof("Metrics服务器启动: %s", addr)

    go func() {
        if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            m.log.Errorf("Metrics服务器错误: %v", err)
        }
    }()
}

// StartRuntimeMonitor 启动运行时监控
func (m *Monitor) StartRuntimeMonitor() {
    ticker := time.NewTicker(10 * time.Second)

    go func() {
        defer ticker.Stop()
        for {
            select {
            case <-m.stop:
                return
            case <-ticker.C:
            }

            // 更新Goroutine数量
            GoroutineCount.Set(float64(runtime.NumGoroutine()))

            // 更新内存使用
            var memStats runtime.MemStats
            runtime.ReadMemStats(&memStats)
            MemoryUsage.Set(float64(memStats.Alloc))

            m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
                runtime.NumGoroutine(),
                float64(memStats.Alloc)/1024/1024,
            )
        }
    }()
}

// Stop 停止运行时监控和HTTP服务器
func (m *Monitor) Stop() error {
    select {
    case <-m.stop:
    default:
        close(m.stop)
    }
    if m.server != nil {
        return m.server.Close()
    }
    return nil
}
