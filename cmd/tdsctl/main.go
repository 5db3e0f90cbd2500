package main

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/sirupsen/logrus"
    "github.com/spf13/cobra"

    "github.com/hewittc/mrgpib/internal/config"
    "github.com/hewittc/mrgpib/internal/gpib"
    "github.com/hewittc/mrgpib/internal/instrument"
    "github.com/hewittc/mrgpib/internal/parser"
    "github.com/hewittc/mrgpib/internal/server"
    "github.com/hewittc/mrgpib/internal/storage"
    "github.com/hewittc/mrgpib/internal/tds"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

var (
    Version   = "1.0.0"
    BuildTime = "unknown"
)

var (
    configFile string
    targetName string

    curveSource   string
    curveEncoding string
    curveWidth    int
    curveStart    int
    curveStop     int
    curveJSON     bool

    cfg *config.Config
    log *logrus.Logger
)

var rootCmd = &cobra.Command{
    Use:   "tdsctl",
    Short: "Tektronix TDS 示波器 GPIB 控制工具",
    Long: `tdsctl 通过 Prologix GPIB 控制器操作 Tektronix TDS 数字示波器.
不带子命令时执行连接测试: 清除设备, 设置 SRIbinary 编码,
打印标识、数据窗口、编码和 WAVFrm? 应答.`,
    SilenceUsage:      true,
    PersistentPreRunE: setup,
    RunE:              runDemo,
}

func init() {
    rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.yaml", "配置文件路径")
    rootCmd.PersistentFlags().StringVarP(&targetName, "target", "t", "", "设备别名或地址 (如 gpib0, 5, 5,96)")

    curveCmd.Flags().StringVar(&curveSource, "source", "", "波形来源 (CH1..CH4, MATH1..3, REF1..4)")
    curveCmd.Flags().StringVar(&curveEncoding, "encoding", "", "数据编码 (ASCIi, RIBinary, RPBinary, SRIbinary, SRPbinary)")
    curveCmd.Flags().IntVar(&curveWidth, "width", 0, "样本宽度 (1 或 2)")
    curveCmd.Flags().IntVar(&curveStart, "start", 0, "起始点")
    curveCmd.Flags().IntVar(&curveStop, "stop", 0, "结束点")
    curveCmd.Flags().BoolVar(&curveJSON, "json", false, "以JSON输出")

    rootCmd.AddCommand(demoCmd, idnCmd, clearCmd, curveCmd, acquireCmd, watchCmd, versionCmd)
}

var demoCmd = &cobra.Command{
    Use:   "demo",
    Short: "连接测试",
    RunE:  runDemo,
}

var idnCmd = &cobra.Command{
    Use:   "idn",
    Short: "查询 *IDN?",
    RunE: func(cmd *cobra.Command, args []string) error {
        return withScope(func(sc *tds.Scope) error {
            idn, err := sc.Identity()
            if err != nil {
                return err
            }
            fmt.Println(idn)
            return nil
        })
    },
}

var clearCmd = &cobra.Command{
    Use:   "clear",
    Short: "设备清除",
    RunE: func(cmd *cobra.Command, args []string) error {
        return withScope(func(sc *tds.Scope) error {
            return sc.Clear()
        })
    },
}

var curveCmd = &cobra.Command{
    Use:   "curve",
    Short: "传输一次波形",
    RunE:  runCurve,
}

var acquireCmd = &cobra.Command{
    Use:   "acquire",
    Short: "按配置周期性采集并发布到Redis",
    RunE: func(cmd *cobra.Command, args []string) error {
        if targetName != "" {
            cfg.Acquisition.Target = targetName
        }
        bus, err := openBus()
        if err != nil {
            return err
        }
        defer bus.Shutdown()

        srv, err := server.NewAcquisitionServer(cfg, bus, log)
        if err != nil {
            return fmt.Errorf("创建采集服务失败: %w", err)
        }
        return srv.Start(cmd.Context())
    },
}

var watchCmd = &cobra.Command{
    Use:   "watch",
    Short: "订阅Redis频道并打印收到的波形",
    RunE: func(cmd *cobra.Command, args []string) error {
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
            return err
        }
        defer mq.Close()

        ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
        defer stop()

        fmt.Printf("已订阅: %s@%s\n", cfg.Redis.Channel, cfg.Redis.Addr)
        return mq.Subscribe(ctx, func(wf *protocol.Waveform) {
            fmt.Printf("[%s] %s %s %s 宽度=%d 点=%d-%d 样本=%d\n",
                wf.Timestamp.Format("2006-01-02 15:04:05"),
                wf.DeviceID, wf.Source, wf.Encoding, wf.Width, wf.Start, wf.Stop, len(wf.Samples))
        })
    },
}

var versionCmd = &cobra.Command{
    Use:   "version",
    Short: "显示版本信息",
    PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
        return nil
    },
    Run: func(cmd *cobra.Command, args []string) {
        fmt.Printf("tdsctl v%s (Build: %s)\n", Version, BuildTime)
    },
}

func main() {
    if err := rootCmd.ExecuteContext(context.Background()); err != nil {
        os.Exit(1)
    }
}

// setup 加载配置并初始化日志
func setup(cmd *cobra.Command, args []string) error {
    var err error
    cfg, err = config.LoadConfig(configFile)
    if err != nil {
        fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
        cfg = config.GetDefaultConfig()
        fmt.Fprintln(os.Stderr, "使用默认配置")
    }

    log = setupLogger(cfg.Log)
    log.Debugf("tdsctl v%s, 配置文件: %s", Version, configFile)
    return nil
}

func openBus() (*gpib.PrologixBus, error) {
    aliases, err := cfg.AliasMap()
    if err != nil {
        return nil, err
    }
    return gpib.NewPrologixBus(cfg.Bus.Prologix(), aliases, log)
}

// withScope 打开目标设备, 结束时释放会话和控制器连接
func withScope(fn func(*tds.Scope) error) error {
    name := targetName
    if name == "" {
        name = cfg.Acquisition.Target
    }
    target, err := instrument.ParseTarget(name)
    if err != nil {
        return err
    }

    bus, err := openBus()
    if err != nil {
        return err
    }
    defer bus.Shutdown()

    return instrument.WithSession(bus, target, log, func(s *instrument.Session) error {
        return fn(tds.NewScope(s, tds.Options{
            BusyTimeout: cfg.Acquisition.BusyTimeout,
            BusyPoll:    cfg.Acquisition.BusyPoll,
            Limits:      parser.DefaultLimits(),
        }, log))
    })
}

func runDemo(cmd *cobra.Command, args []string) error {
    return withScope(func(sc *tds.Scope) error {
        fmt.Printf("testing connection to '%s'...\n\n", sc.DeviceID())

        if err := sc.Clear(); err != nil {
            return err
        }
        if err := sc.SetDataEncoding(protocol.EncodingSRIBinary); err != nil {
            return err
        }

        idn, err := sc.Identity()
        if err != nil {
            return err
        }
        start, err := sc.DataStart()
        if err != nil {
            return err
        }
        stop, err := sc.DataStop()
        if err != nil {
            return err
        }
        enc, err := sc.DataEncoding()
        if err != nil {
            return err
        }
        wfm, err := sc.Waveform()
        if err != nil {
            return err
        }

        fmt.Printf("     identity: %s\n", idn)
        fmt.Printf("  first point: %d\n", start)
        fmt.Printf("   last point: %d\n", stop)
        fmt.Printf("     encoding: %s\n", enc)
        fmt.Printf("     waveform: %q\n", wfm)

        if err := sc.Clear(); err != nil {
            return err
        }
        fmt.Println("\ndone!")
        return nil
    })
}

func runCurve(cmd *cobra.Command, args []string) error {
    acq, err := cfg.Acquisition.Instrument()
    if err != nil {
        return err
    }
    if curveSource != "" {
        acq.Source = curveSource
    }
    if curveEncoding != "" {
        if acq.Encoding, err = protocol.ParseEncoding(curveEncoding); err != nil {
            return err
        }
    }
    if curveWidth != 0 {
        acq.Width = protocol.SampleWidth(curveWidth)
    }
    if curveStart != 0 {
        acq.Start = curveStart
    }
    if curveStop != 0 {
        acq.Stop = curveStop
    }

    return withScope(func(sc *tds.Scope) error {
        if _, err := sc.Identify(); err != nil {
            return err
        }
        if err := sc.ConfigureAcquisition(acq); err != nil {
            return err
        }
        wf, err := sc.TransferWaveform(cmd.Context())
        if err != nil {
            // 中断的传输会让总线停在帧中间
            if cerr := sc.Clear(); cerr != nil {
                log.Errorf("设备清除失败: %v", cerr)
            }
            return err
        }

        if curveJSON {
            enc := json.NewEncoder(os.Stdout)
            enc.SetIndent("", "  ")
            return enc.Encode(wf)
        }
        fmt.Printf("%s %s 宽度=%d 点=%d-%d 样本=%d\n", wf.Source, wf.Encoding, wf.Width, wf.Start, wf.Stop, len(wf.Samples))
        for i, v := range wf.Samples {
            fmt.Printf("%d\t%d\n", wf.Start+i, v)
        }
        return nil
    })
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
    log := logrus.New()

    // 设置日志级别
    level, err := logrus.ParseLevel(cfg.Level)
    if err != nil {
        level = logrus.InfoLevel
    }
    log.SetLevel(level)

    // 设置日志格式
    if cfg.Format == "json" {
        log.SetFormatter(&logrus.JSONFormatter{
            TimestampFormat: "2006-01-02 15:04:05",
        })
    } else {
        log.SetFormatter(&logrus.TextFormatter{
            FullTimestamp:   true,
            TimestampFormat: "2006-01-02 15:04:05",
        })
    }

    // 设置输出; 标准输出留给命令结果
    log.SetOutput(os.Stderr)
    if cfg.Output == "file" && cfg.FilePath != "" {
        file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
        if err == nil {
            log.SetOutput(file)
        } else {
            log.Warnf("打开日志文件失败: %v, 使用标准错误输出", err)
        }
    }

    return log
}
