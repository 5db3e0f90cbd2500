package instrument

import (
    "context"

    "github.com/hewittc/mrgpib/pkg/protocol"
)

// AcquisitionConfig 一次波形传输前需要下发的参数. 一次传输只对应一个波形来源.
type AcquisitionConfig struct {
    Source   string
    Encoding protocol.Encoding
    Width    protocol.SampleWidth
    Start    int
    Stop     int
}

// Instrument 仪器族的能力集合, 每个仪器族一个实现
type Instrument interface {
    Identify() (string, error)
    ConfigureAcquisition(cfg AcquisitionConfig) error
    TransferWaveform(ctx context.Context) (*protocol.Waveform, error)
}
