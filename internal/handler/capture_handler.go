package handler

import (
    "context"
    "fmt"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/hewittc/mrgpib/internal/instrument"
    "github.com/hewittc/mrgpib/internal/monitor"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

// Publisher 波形的下游, 如 storage.MessageQueue
type Publisher interface {
    Publish(ctx context.Context, wf *protocol.Waveform) error
}

type CaptureHandler struct {
    inst      instrument.Instrument
    deviceID  string
    publisher Publisher
    log       *logrus.Logger
}

// NewCaptureHandler publisher 为 nil 时只采集不发布
func NewCaptureHandler(inst instrument.Instrument, deviceID string, publisher Publisher, log *logrus.Logger) *CaptureHandler {
    return &CaptureHandler{
        inst:      inst,
        deviceID:  deviceID,
        publisher: publisher,
        log:       log,
    }
}

// Capture 传输一次波形并发布. 发布失败时仍返回已解码的波形.
func (h *CaptureHandler) Capture(ctx context.Context) (*protocol.Waveform, error) {
    startTime := time.Now()

    wf, err := h.inst.TransferWaveform(ctx)
    if err != nil {
        monitor.CaptureErrors.Inc()
        h.log.Warnf("采集失败 [%s]: %v", h.deviceID, err)
        return nil, err
    }

    monitor.CurveTransfers.WithLabelValues(h.deviceID, wf.Encoding.String()).Inc()
    // 记录处理时间, 发布失败的采集也计入
    defer func() {
        monitor.TransferDuration.Observe(time.Since(startTime).Seconds())
    }()

    if h.publisher != nil {
        if err := h.publisher.Publish(ctx, wf); err != nil {
            monitor.CaptureErrors.Inc()
            h.log.Errorf("发布波形失败 [%s]: %v", h.deviceID, err)
            return wf, fmt.Errorf("发布波形失败: %w", err)
        }
    }

    duration := time.Since(startTime).Seconds()
    h.log.Debugf("采集成功 [%s]: 来源=%s, 编码=%s, 样本=%d, 耗时=%.3fms",
        h.deviceID,
        wf.Source,
        wf.Encoding,
        len(wf.Samples),
        duration*1000,
    )
    return wf, nil
}
