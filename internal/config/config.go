package config

import (
    "fmt"
    "os"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/hewittc/mrgpib/internal/gpib"
    "github.com/hewittc/mrgpib/internal/instrument"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

type Config struct {
    Bus         BusConfig              `yaml:"bus"`
    Aliases     map[string]AliasConfig `yaml:"aliases"`
    Acquisition AcquisitionConfig      `yaml:"acquisition"`
    Redis       RedisConfig            `yaml:"redis"`
    Log         LogConfig              `yaml:"log"`
    Monitor     MonitorConfig          `yaml:"monitor"`
}

// BusConfig Prologix 控制器连接
type BusConfig struct {
    Kind     string        `yaml:"kind"` // serial 或 tcp
    Port     string        `yaml:"port"`
    BaudRate int           `yaml:"baud_rate"`
    Address  string        `yaml:"address"`
    IdleGap  time.Duration `yaml:"idle_gap"`
}

// AliasConfig 设备别名, 未填写的字段使用 linux-gpib 默认值
type AliasConfig struct {
    Pad     int    `yaml:"pad"`
    Sad     int    `yaml:"sad"`
    Timeout *int   `yaml:"timeout"`
    SendEOI *bool  `yaml:"send_eoi"`
    EOS     string `yaml:"eos"`
}

type AcquisitionConfig struct {
    Target      string        `yaml:"target"`
    Source      string        `yaml:"source"`
    Encoding    string        `yaml:"encoding"`
    Width       int           `yaml:"width"`
    Start       int           `yaml:"start"`
    Stop        int           `yaml:"stop"`
    Interval    time.Duration `yaml:"interval"`
    Count       int           `yaml:"count"` // 0 表示不限
    BusyTimeout time.Duration `yaml:"busy_timeout"`
    BusyPoll    time.Duration `yaml:"busy_poll"`
    MaxErrors   int           `yaml:"max_errors"`
}

type RedisConfig struct {
    Enabled    bool   `yaml:"enabled"`
    Addr       string `yaml:"addr"`
    Password   string `yaml:"password"`
    DB         int    `yaml:"db"`
    PoolSize   int    `yaml:"pool_size"`
    Channel    string `yaml:"channel"`
    ListLength int64  `yaml:"list_length"`
}

type LogConfig struct {
    Level    string `yaml:"level"`
    Format   string `yaml:"format"`
    Output   string `yaml:"output"`
    FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
    Enabled     bool `yaml:"enabled"`
    MetricsPort int  `yaml:"metrics_port"`
}

// LoadConfig 加载配置文件, 未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
    data, err := os.ReadFile(path)
    if err != nil {
        return nil, fmt.Errorf("读取配置文件失败: %w", err)
    }

    config := GetDefaultConfig()
    if err := yaml.Unmarshal(data, config); err != nil {
        return nil, fmt.Errorf("解析配置文件失败: %w", err)
    }

    return config, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
    return &Config{
        Bus: BusConfig{
            Kind:     gpib.LinkSerial,
            Port:     "/dev/ttyUSB0",
            BaudRate: 115200,
            IdleGap:  100 * time.Millisecond,
        },
        Aliases: map[string]AliasConfig{},
        Acquisition: AcquisitionConfig{
            Target:      "gpib0",
            Source:      "CH1",
            Encoding:    "SRIbinary",
            Width:       1,
            Start:       1,
            Stop:        500,
            Interval:    time.Second,
            Count:       0,
            BusyTimeout: 10 * time.Second,
            BusyPoll:    100 * time.Millisecond,
            MaxErrors:   5,
        },
        Redis: RedisConfig{
            Enabled:    false,
            Addr:       "localhost:6379",
            Password:   "",
            DB:         0,
            PoolSize:   10,
            Channel:    "instrument_waveforms",
            ListLength: 100,
        },
        Log: LogConfig{
            Level:  "info",
            Format: "text",
            Output: "stdout",
        },
        Monitor: MonitorConfig{
            Enabled:     false,
            MetricsPort: 9090,
        },
    }
}

// Prologix 转换为总线参数
func (b BusConfig) Prologix() gpib.PrologixConfig {
    return gpib.PrologixConfig{
        Kind:     b.Kind,
        Port:     b.Port,
        BaudRate: b.BaudRate,
        Address:  b.Address,
        IdleGap:  b.IdleGap,
    }
}

// Address 转换为总线地址并校验
func (a AliasConfig) Address() (gpib.Address, error) {
    addr := gpib.DefaultAddress(a.Pad)
    addr.Secondary = a.Sad
    if a.Timeout != nil {
        addr.Timeout = gpib.TimeoutCode(*a.Timeout)
    }
    if a.SendEOI != nil {
        addr.SendEOI = *a.SendEOI
    }
    eos, err := gpib.ParseTerminator(a.EOS)
    if err != nil {
        return gpib.Address{}, err
    }
    addr.EOS = eos

    if err := addr.Validate(); err != nil {
        return gpib.Address{}, err
    }
    return addr, nil
}

// AliasMap 全部别名
func (c *Config) AliasMap() (map[string]gpib.Address, error) {
    aliases := make(map[string]gpib.Address, len(c.Aliases))
    for name, a := range c.Aliases {
        addr, err := a.Address()
        if err != nil {
            return nil, fmt.Errorf("别名 %s: %w", name, err)
        }
        aliases[name] = addr
    }
    return aliases, nil
}

// Instrument 转换为仪器采集参数
func (a AcquisitionConfig) Instrument() (instrument.AcquisitionConfig, error) {
    enc, err := protocol.ParseEncoding(a.Encoding)
    if err != nil {
        return instrument.AcquisitionConfig{}, err
    }
    return instrument.AcquisitionConfig{
        Source:   a.Source,
        Encoding: enc,
        Width:    protocol.SampleWidth(a.Width),
        Start:    a.Start,
        Stop:     a.Stop,
    }, nil
}
