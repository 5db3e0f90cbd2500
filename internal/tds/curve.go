package tds

import (
    "context"
    "fmt"
    "strconv"
    "strings"
    "time"

    "github.com/hewittc/mrgpib/internal/instrument"
    "github.com/hewittc/mrgpib/internal/monitor"
    "github.com/hewittc/mrgpib/internal/parser"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

// Curve 发送 CURVe? 并按给定的编码和宽度解码一个块.
// 调用方负责提供仪器当前的编码和宽度, 且 DATa:SOUrce 只能有一个波形.
func (sc *Scope) Curve(enc protocol.Encoding, width protocol.SampleWidth) (*protocol.Curve, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.curve(enc, width)
}

func (sc *Scope) curve(enc protocol.Encoding, width protocol.SampleWidth) (*protocol.Curve, error) {
    c, err := sc.parser.QueryCurve(sc.session, "CURVe?", enc, width)
    if err != nil {
        return nil, err
    }
    sc.log.Debugf("曲线已解码 [%s]: %s, 宽度 %d, %d 个样本", sc.DeviceID(), enc, width, c.Len())
    return c, nil
}

// WaitUntilNotBusy 每隔 interval 查询一次 BUSY?, 最多等待 timeout.
// timeout 或 interval 不大于0时使用默认值.
func (sc *Scope) WaitUntilNotBusy(ctx context.Context, timeout, interval time.Duration) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.waitUntilNotBusy(ctx, timeout, interval)
}

func (sc *Scope) waitUntilNotBusy(ctx context.Context, timeout, interval time.Duration) error {
    if timeout <= 0 {
        timeout = DefaultBusyTimeout
    }
    if interval <= 0 {
        interval = DefaultBusyPoll
    }
    deadline := time.Now().Add(timeout)

    for polls := 1; ; polls++ {
        monitor.BusyPolls.Inc()
        busy, err := sc.busy()
        if err != nil {
            return err
        }
        if !busy {
            return nil
        }
        if !time.Now().Before(deadline) {
            return fmt.Errorf("%w: %d 次查询, 等待 %s", ErrBusyTimeout, polls, timeout)
        }

        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(interval):
        }
    }
}

// Identify 实现 instrument.Instrument
func (sc *Scope) Identify() (string, error) {
    return sc.Identity()
}

// ConfigureAcquisition 先校验全部参数, 再依次下发. 关闭应答头以便解析.
func (sc *Scope) ConfigureAcquisition(cfg instrument.AcquisitionConfig) error {
    source, err := checkSources([]string{cfg.Source})
    if err != nil {
        return err
    }
    if !cfg.Encoding.Valid() {
        return &ValidationError{Op: "DATa:ENCdg", Value: cfg.Encoding.String(), Allowed: encodingNames()}
    }
    if !cfg.Width.Valid() {
        return &ValidationError{Op: "DATa:WIDth", Value: strconv.Itoa(int(cfg.Width)), Allowed: []string{"1", "2"}}
    }
    if cfg.Start < protocol.MinDataIndex || cfg.Stop < cfg.Start {
        return &ValidationError{Op: "DATa", Value: fmt.Sprintf("%d..%d", cfg.Start, cfg.Stop)}
    }

    sc.mu.Lock()
    defer sc.mu.Unlock()

    if err := sc.setResponseHeader(false); err != nil {
        return err
    }
    if err := sc.setDataSource(source); err != nil {
        return err
    }
    if err := sc.setDataEncoding(cfg.Encoding); err != nil {
        return err
    }
    if err := sc.setDataWidth(cfg.Width); err != nil {
        return err
    }
    if err := sc.session.WriteCommand(fmt.Sprintf("DATa:STARt %d", cfg.Start)); err != nil {
        return err
    }
    if err := sc.session.WriteCommand(fmt.Sprintf("DATa:STOP %d", cfg.Stop)); err != nil {
        return err
    }

    sc.log.Infof("采集参数已设置 [%s]: 来源 %s, %s, 宽度 %d, 点 %d-%d",
        sc.DeviceID(), source[0], cfg.Encoding, cfg.Width, cfg.Start, cfg.Stop)
    return nil
}

// TransferWaveform 等待仪器空闲, 重新查询编码、宽度、来源和数据窗口后传输曲线.
// 传输中断后会话需要 Clear.
func (sc *Scope) TransferWaveform(ctx context.Context) (*protocol.Waveform, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()

    if err := sc.waitUntilNotBusy(ctx, sc.opts.BusyTimeout, sc.opts.BusyPoll); err != nil {
        return nil, err
    }

    enc, err := sc.dataEncoding()
    if err != nil {
        return nil, err
    }
    width, err := sc.dataWidth()
    if err != nil {
        return nil, err
    }
    source, err := sc.query("DATa:SOUrce?")
    if err != nil {
        return nil, err
    }
    // 多个来源时仪器连续发送多个块, 这里只读取一个
    if strings.Contains(source, ",") {
        return nil, fmt.Errorf("%w: %s", ErrSeveralSources, source)
    }
    start, stop, err := sc.dataWindow()
    if err != nil {
        return nil, err
    }
    if err := ctx.Err(); err != nil {
        return nil, err
    }

    c, err := sc.curve(enc, width)
    if err != nil {
        return nil, err
    }

    wf := &protocol.Waveform{
        DeviceID:  sc.DeviceID(),
        Identity:  sc.identity,
        Timestamp: time.Now(),
        Source:    source,
        Encoding:  enc,
        Width:     width,
        Start:     start,
        Stop:      stop,
        Samples:   c.Samples,
        Text:      c.Text,
    }
    if enc == protocol.EncodingASCII {
        if wf.Samples, err = parser.ParseASCIISamples(c.Text); err != nil {
            return nil, err
        }
    }
    return wf, nil
}
