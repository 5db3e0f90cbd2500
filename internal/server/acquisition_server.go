package server

import (
    "context"
    "fmt"
    "os/signal"
    "syscall"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/hewittc/mrgpib/internal/config"
    "github.com/hewittc/mrgpib/internal/gpib"
    "github.com/hewittc/mrgpib/internal/handler"
    "github.com/hewittc/mrgpib/internal/instrument"
    "github.com/hewittc/mrgpib/internal/monitor"
    "github.com/hewittc/mrgpib/internal/parser"
    "github.com/hewittc/mrgpib/internal/storage"
    "github.com/hewittc/mrgpib/internal/tds"
)

// AcquisitionServer 周期性地从一台示波器采集波形
type AcquisitionServer struct {
    config  *config.Config
    bus     gpib.Bus
    storage *storage.MessageQueue
    monitor *monitor.Monitor
    log     *logrus.Logger
}

func NewAcquisitionServer(cfg *config.Config, bus gpib.Bus, log *logrus.Logger) (*AcquisitionServer, error) {
    s := &AcquisitionServer{
        config:  cfg,
        bus:     bus,
        monitor: monitor.NewMonitor(log),
        log:     log,
    }

    // 创建消息队列
    if cfg.Redis.Enabled {
        mq, err := storage.NewMessageQueue(
            cfg.Redis.Addr,
            cfg.Redis.Password,
            cfg.Redis.Channel,
            cfg.Redis.DB,
            cfg.Redis.PoolSize,
            cfg.Redis.ListLength,
            log,
        )
        if err != nil {
            return nil, err
        }
        s.storage = mq
    }

    return s, nil
}

// Start 打开目标设备并采集, 直到达到次数、收到 SIGINT/SIGTERM 或 ctx 结束.
// 连续失败达到 max_errors 时返回错误.
func (s *AcquisitionServer) Start(ctx context.Context) error {
    defer s.close()

    // 启动监控
    if s.config.Monitor.Enabled {
        s.monitor.StartMetricsServer(s.config.Monitor.MetricsPort)
        s.monitor.StartRuntimeMonitor()
    }

    // 优雅退出处理
    ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    acq := s.config.Acquisition
    target, err := instrument.ParseTarget(acq.Target)
    if err != nil {
        return err
    }
    acqCfg, err := acq.Instrument()
    if err != nil {
        return err
    }

    return instrument.WithSession(s.bus, target, s.log, func(sess *instrument.Session) error {
        scope := tds.NewScope(sess, tds.Options{
            BusyTimeout: acq.BusyTimeout,
            BusyPoll:    acq.BusyPoll,
            Limits:      parser.DefaultLimits(),
        }, s.log)

        idn, err := scope.Identify()
        if err != nil {
            return err
        }
        s.log.Infof("设备: %s", idn)

        if err := scope.ConfigureAcquisition(acqCfg); err != nil {
            return err
        }

        var pub handler.Publisher
        if s.storage != nil {
            pub = s.storage
        }
        h := handler.NewCaptureHandler(scope, scope.DeviceID(), pub, s.log)
        return s.run(ctx, h, scope)
    })
}

func (s *AcquisitionServer) run(ctx context.Context, h *handler.CaptureHandler, scope *tds.Scope) error {
    acq := s.config.Acquisition
    interval := acq.Interval
    if interval <= 0 {
        interval = time.Second
    }
    ticker := time.NewTicker(interval)
    defer ticker.Stop()

    s.log.Infof("开始采集: 间隔 %s, 次数 %d", interval, acq.Count)

    captures, failures := 0, 0
    for {
        wf, err := h.Capture(ctx)
        switch {
        case err != nil && ctx.Err() != nil:
            s.log.Info("采集已取消")
            return nil
        case err != nil:
            failures++
            // 传输中断后总线可能停在帧中间
            if wf == nil {
                if cerr := scope.Clear(); cerr != nil {
                    s.log.Errorf("设备清除失败: %v", cerr)
                }
            }
            if acq.MaxErrors > 0 && failures >= acq.MaxErrors {
                return fmt.Errorf("连续 %d 次采集失败: %w", failures, err)
            }
        default:
            failures = 0
            captures++
            if acq.Count > 0 && captures >= acq.Count {
                s.log.Infof("采集完成: %d 次", captures)
                return nil
            }
        }

        select {
        case <-ctx.Done():
            s.log.Infof("收到退出信号, 已采集 %d 次", captures)
            return nil
        case <-ticker.C:
        }
    }
}

func (s *AcquisitionServer) close() {
    if s.storage != nil {
        if err := s.storage.Close(); err != nil {
            s.log.Errorf("关闭存储连接失败: %v", err)
        }
    }
    if err := s.monitor.Stop(); err != nil {
        s.log.Errorf("关闭监控失败: %v", err)
    }
    s.log.Info("采集服务已关闭")
}
