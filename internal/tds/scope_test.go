package tds

import (
    "context"
    "errors"
    "reflect"
    "strings"
    "testing"
    "time"

    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/sirupsen/logrus/hooks/test"

    "github.com/hewittc/mrgpib/internal/gpib"
    "github.com/hewittc/mrgpib/internal/gpib/gpibtest"
    "github.com/hewittc/mrgpib/internal/instrument"
    "github.com/hewittc/mrgpib/internal/monitor"
    "github.com/hewittc/mrgpib/internal/parser"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

const testIDN = "TEKTRONIX,TDS 540A,0,CF:91.1CT FV:v1.0"

func newTestScope(t *testing.T) (*Scope, *gpibtest.Device) {
    t.Helper()
    log, _ := test.NewNullLogger()
    bus := gpibtest.NewBus()
    dev := bus.AddDevice("tds540", 1)

    s, err := instrument.Open(bus, instrument.AliasTarget("tds540"), log)
    if err != nil {
        t.Fatalf("open: %v", err)
    }
    t.Cleanup(func() { s.Close() })

    opts := Options{BusyTimeout: 50 * time.Millisecond, BusyPoll: time.Millisecond}
    return NewScope(s, opts, log), dev
}

func TestIdentity(t *testing.T) {
    sc, dev := newTestScope(t)
    dev.Reply("*IDN?", testIDN+"\n")

    idn, err := sc.Identity()
    if err != nil {
        t.Fatalf("identity: %v", err)
    }
    if idn != testIDN {
        t.Fatalf("identity = %q", idn)
    }
    if !reflect.DeepEqual(dev.Writes, []string{"*IDN?"}) {
        t.Fatalf("writes = %v", dev.Writes)
    }
    if Model(idn) != "540A" || !Supported(idn) {
        t.Fatalf("model %q not recognised", Model(idn))
    }
    if Supported("TEKTRONIX,TDS 3012,0,CF:91.1CT") {
        t.Fatalf("TDS 3012 is not a supported model")
    }
}

func TestValidationSendsNothing(t *testing.T) {
    tests := []struct {
        name string
        call func(*Scope) error
    }{
        {"unknown source", func(sc *Scope) error { return sc.SetDataSource("CH5") }},
        {"one bad source", func(sc *Scope) error { return sc.SetDataSource("CH1", "REF9") }},
        {"no source", func(sc *Scope) error { return sc.SetDataSource() }},
        {"encoding", func(sc *Scope) error { return sc.SetDataEncoding(protocol.Encoding(9)) }},
        {"width", func(sc *Scope) error { return sc.SetDataWidth(3) }},
        {"hardcopy", func(sc *Scope) error { return sc.SetHardcopyFormat("gif") }},
        {"window", func(sc *Scope) error {
            return sc.ConfigureAcquisition(instrument.AcquisitionConfig{
                Source:   "CH1",
                Encoding: protocol.EncodingRIBinary,
                Width:    protocol.Width1,
                Start:    500,
                Stop:     1,
            })
        }},
        {"several acquisition sources", func(sc *Scope) error {
            return sc.ConfigureAcquisition(instrument.AcquisitionConfig{
                Source:   "CH1,REF1",
                Encoding: protocol.EncodingRIBinary,
                Width:    protocol.Width1,
                Start:    1,
                Stop:     2,
            })
        }},
        {"no acquisition source", func(sc *Scope) error {
            return sc.ConfigureAcquisition(instrument.AcquisitionConfig{
                Encoding: protocol.EncodingRIBinary,
                Width:    protocol.Width1,
                Start:    1,
                Stop:     2,
            })
        }},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            sc, dev := newTestScope(t)
            err := tt.call(sc)
            var vErr *ValidationError
            if !errors.As(err, &vErr) {
                t.Fatalf("expected ValidationError, got %v", err)
            }
            if len(dev.Writes) != 0 {
                t.Fatalf("nothing may be sent, got %v", dev.Writes)
            }
        })
    }
}

func TestCommandFormatting(t *testing.T) {
    sc, dev := newTestScope(t)

    steps := []func() error{
        func() error { return sc.SetResponseHeader(true) },
        func() error { return sc.SetDataSource("ch1", "ref2") },
        func() error { return sc.SetDataEncoding(protocol.EncodingSRPBinary) },
        func() error { return sc.SetDataStart(1) },
        func() error { return sc.SetDataStop(2500) },
        func() error { return sc.SetDataWidth(protocol.Width2) },
        func() error { return sc.SetHardcopyFormat("bmpc") },
        func() error { return sc.SetHardcopyFormat("EPSOn") },
    }
    for i, step := range steps {
        if err := step(); err != nil {
            t.Fatalf("step %d: %v", i, err)
        }
    }

    want := []string{
        "HEADer ON",
        "DATa:SOUrce CH1,REF2",
        "DATa:ENCdg SRPbinary",
        "DATa:STARt 1",
        "DATa:STOP 2500",
        "DATa:WIDth 2",
        "HARDCopy:FORMat BMPColor",
        "HARDCopy:FORMat EPSOn",
    }
    if !reflect.DeepEqual(dev.Writes, want) {
        t.Fatalf("writes = %v\nwant %v", dev.Writes, want)
    }
}

func TestQueriesStripResponseHeader(t *testing.T) {
    sc, dev := newTestScope(t)
    dev.Reply("DATa:ENCdg?", ":DATA:ENCDG RPBINARY\n")
    dev.Reply("DATa:WIDth?", ":DATA:WIDTH 2\n")
    dev.Reply("HEADer?", ":HEADER 1\n")
    dev.Reply("DATa:STARt?", "1\n")
    dev.Reply("DATa:STOP?", "500\n")
    dev.Reply("DATa:SOUrce?", "CH1\n")
    dev.Reply("HARDCopy:FORMat?", ":HARDCOPY:FORMAT BMP\n")

    enc, err := sc.DataEncoding()
    if err != nil || enc != protocol.EncodingRPBinary {
        t.Fatalf("encoding = %v, %v", enc, err)
    }
    width, err := sc.DataWidth()
    if err != nil || width != protocol.Width2 {
        t.Fatalf("width = %v, %v", width, err)
    }
    on, err := sc.ResponseHeader()
    if err != nil || !on {
        t.Fatalf("header = %v, %v", on, err)
    }
    start, stop, err := sc.DataWindow()
    if err != nil || start != 1 || stop != 500 {
        t.Fatalf("window = %d..%d, %v", start, stop, err)
    }
    src, err := sc.DataSource()
    if err != nil || src != "CH1" {
        t.Fatalf("source = %q, %v", src, err)
    }
    format, err := sc.HardcopyFormat()
    if err != nil || format != "BMP" {
        t.Fatalf("format = %q, %v", format, err)
    }

    dev.Reply("DATa:WIDth?", "4\n")
    if _, err := sc.DataWidth(); !errors.Is(err, ErrUnexpectedReply) {
        t.Fatalf("expected ErrUnexpectedReply, got %v", err)
    }
    dev.Reply("DATa:ENCdg?", "FASTEST\n")
    if _, err := sc.DataEncoding(); !errors.Is(err, ErrUnexpectedReply) {
        t.Fatalf("expected ErrUnexpectedReply, got %v", err)
    }
}

func TestTransportErrorsSurface(t *testing.T) {
    sc, dev := newTestScope(t)
    dev.ReadErr = gpib.ErrTimeout

    _, err := sc.DataStart()
    var tErr *instrument.TransportError
    if !errors.As(err, &tErr) || !errors.Is(err, gpib.ErrTimeout) {
        t.Fatalf("expected TransportError, got %v", err)
    }
}

func TestWaitUntilNotBusyPolls(t *testing.T) {
    sc, dev := newTestScope(t)
    dev.Queue([]byte("1\n"), []byte("1\n"), []byte("0\n"))

    before := testutil.ToFloat64(monitor.BusyPolls)
    if err := sc.WaitUntilNotBusy(context.Background(), time.Second, time.Millisecond); err != nil {
        t.Fatalf("wait: %v", err)
    }
    if !reflect.DeepEqual(dev.Writes, []string{"BUSY?", "BUSY?", "BUSY?"}) {
        t.Fatalf("writes = %v", dev.Writes)
    }
    if got := testutil.ToFloat64(monitor.BusyPolls) - before; got != 3 {
        t.Fatalf("busy polls = %v, want 3", got)
    }
}

func TestWaitUntilNotBusyTimesOut(t *testing.T) {
    sc, dev := newTestScope(t)
    dev.Reply("BUSY?", "1\n")

    start := time.Now()
    err := sc.WaitUntilNotBusy(context.Background(), 20*time.Millisecond, 2*time.Millisecond)
    if !errors.Is(err, ErrBusyTimeout) {
        t.Fatalf("expected ErrBusyTimeout, got %v", err)
    }
    if time.Since(start) > time.Second {
        t.Fatalf("busy wait overran its bound")
    }
    if len(dev.Writes) < 2 {
        t.Fatalf("expected repeated polls, got %v", dev.Writes)
    }
}

func TestWaitUntilNotBusyCancelled(t *testing.T) {
    sc, dev := newTestScope(t)
    dev.Reply("BUSY?", "1\n")

    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    if err := sc.WaitUntilNotBusy(ctx, time.Minute, time.Second); !errors.Is(err, context.Canceled) {
        t.Fatalf("expected context.Canceled, got %v", err)
    }
    if len(dev.Writes) != 1 {
        t.Fatalf("writes = %v", dev.Writes)
    }
}

func TestCurveBinary(t *testing.T) {
    sc, dev := newTestScope(t)
    frame, err := parser.EncodeBlock([]int{-32768, 0, 32767}, protocol.EncodingSRIBinary, protocol.Width2)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    dev.ReplyBytes("CURVe?", frame)

    c, err := sc.Curve(protocol.EncodingSRIBinary, protocol.Width2)
    if err != nil {
        t.Fatalf("curve: %v", err)
    }
    if !reflect.DeepEqual(c.Samples, []int{-32768, 0, 32767}) {
        t.Fatalf("samples = %v", c.Samples)
    }
    if dev.Pending() != 0 {
        t.Fatalf("frame not fully drained: %d bytes left", dev.Pending())
    }
}

func TestCurveDecodeErrorNeedsClear(t *testing.T) {
    sc, dev := newTestScope(t)
    dev.ReplyBytes("CURVe?", []byte{'1', '3', 1, 2, 3, '\n'})

    c, err := sc.Curve(protocol.EncodingRIBinary, protocol.Width2)
    var decErr *parser.DecodeError
    if c != nil || !errors.As(err, &decErr) {
        t.Fatalf("expected DecodeError, got %v", err)
    }
    if dev.Pending() == 0 {
        t.Fatalf("aborted frame should leave bytes on the bus")
    }
    if err := sc.Clear(); err != nil {
        t.Fatalf("clear: %v", err)
    }
    if dev.Pending() != 0 || dev.Cleared != 1 {
        t.Fatalf("clear did not reset the device")
    }
}

func TestConfigureAcquisition(t *testing.T) {
    sc, dev := newTestScope(t)
    err := sc.ConfigureAcquisition(instrument.AcquisitionConfig{
        Source:   "math1",
        Encoding: protocol.EncodingRIBinary,
        Width:    protocol.Width2,
        Start:    1,
        Stop:     500,
    })
    if err != nil {
        t.Fatalf("configure: %v", err)
    }
    want := []string{
        "HEADer OFF",
        "DATa:SOUrce MATH1",
        "DATa:ENCdg RIBinary",
        "DATa:WIDth 2",
        "DATa:STARt 1",
        "DATa:STOP 500",
    }
    if !reflect.DeepEqual(dev.Writes, want) {
        t.Fatalf("writes = %v\nwant %v", dev.Writes, want)
    }
}

func scriptAcquisition(dev *gpibtest.Device, enc string, width string) {
    dev.Reply("*IDN?", testIDN+"\n")
    dev.Reply("BUSY?", "0\n")
    dev.Reply("DATa:ENCdg?", enc+"\n")
    dev.Reply("DATa:WIDth?", width+"\n")
    dev.Reply("DATa:SOUrce?", "CH2\n")
    dev.Reply("DATa:STARt?", "1\n")
    dev.Reply("DATa:STOP?", "3\n")
}

func TestTransferWaveformRequeriesInstrument(t *testing.T) {
    sc, dev := newTestScope(t)
    scriptAcquisition(dev, "SRIBINARY", "2")
    frame, err := parser.EncodeFrame([]int{-2, 0, 300}, protocol.EncodingSRIBinary, protocol.Width2)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    dev.ReplyBytes("CURVe?", frame)

    if _, err := sc.Identify(); err != nil {
        t.Fatalf("identify: %v", err)
    }
    // 先由本客户端设置, 之后在仪器面板上被修改
    if err := sc.SetDataEncoding(protocol.EncodingRPBinary); err != nil {
        t.Fatalf("set encoding: %v", err)
    }
    dev.Writes = nil

    wf, err := sc.TransferWaveform(context.Background())
    if err != nil {
        t.Fatalf("transfer: %v", err)
    }
    if wf.Encoding != protocol.EncodingSRIBinary || wf.Width != protocol.Width2 {
        t.Fatalf("waveform used %s/%d", wf.Encoding, wf.Width)
    }
    if !reflect.DeepEqual(wf.Samples, []int{-2, 0, 300}) {
        t.Fatalf("samples = %v", wf.Samples)
    }
    if wf.DeviceID != "tds540" || wf.Identity != testIDN || wf.Source != "CH2" || wf.Start != 1 || wf.Stop != 3 {
        t.Fatalf("waveform = %+v", wf)
    }
    if wf.Timestamp.IsZero() {
        t.Fatalf("timestamp not set")
    }

    want := []string{"BUSY?", "DATa:ENCdg?", "DATa:WIDth?", "DATa:SOUrce?", "DATa:STARt?", "DATa:STOP?", "CURVe?"}
    if !reflect.DeepEqual(dev.Writes, want) {
        t.Fatalf("writes = %v\nwant %v", dev.Writes, want)
    }
}

func TestTransferWaveformRejectsSeveralSources(t *testing.T) {
    sc, dev := newTestScope(t)
    scriptAcquisition(dev, "RIBINARY", "1")
    // 在仪器面板上选择了两个来源
    dev.Reply("DATa:SOUrce?", "CH1,REF1\n")
    first, err := parser.EncodeBlock([]int{1, 2}, protocol.EncodingRIBinary, protocol.Width1)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    second, err := parser.EncodeBlock([]int{3, 4}, protocol.EncodingRIBinary, protocol.Width1)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    dev.ReplyBytes("CURVe?", append(append([]byte(nil), first...), second...))

    wf, err := sc.TransferWaveform(context.Background())
    if wf != nil || !errors.Is(err, ErrSeveralSources) {
        t.Fatalf("expected ErrSeveralSources, got %+v, %v", wf, err)
    }
    for _, w := range dev.Writes {
        if w == "CURVe?" {
            t.Fatalf("CURVe? must not be sent for several sources")
        }
    }
    if dev.Pending() != 0 {
        t.Fatalf("%d bytes left on the bus", dev.Pending())
    }

    idn, err := sc.Identity()
    if err != nil || idn != testIDN {
        t.Fatalf("identity after rejected transfer = %q, %v", idn, err)
    }
}

func TestTransferWaveformASCII(t *testing.T) {
    sc, dev := newTestScope(t)
    scriptAcquisition(dev, "ASCII", "1")
    dev.Reply("CURVe?", "1,2,-3\n")

    wf, err := sc.TransferWaveform(context.Background())
    if err != nil {
        t.Fatalf("transfer: %v", err)
    }
    if wf.Text != "1,2,-3" || !reflect.DeepEqual(wf.Samples, []int{1, 2, -3}) {
        t.Fatalf("waveform = %+v", wf)
    }
}

func TestTransferWaveformBusyTimeout(t *testing.T) {
    sc, dev := newTestScope(t)
    scriptAcquisition(dev, "RIBINARY", "1")
    dev.Reply("BUSY?", "1\n")

    if _, err := sc.TransferWaveform(context.Background()); !errors.Is(err, ErrBusyTimeout) {
        t.Fatalf("expected ErrBusyTimeout, got %v", err)
    }
    for _, w := range dev.Writes {
        if w != "BUSY?" {
            t.Fatalf("nothing but BUSY? may be sent while busy, got %q", w)
        }
    }
}

func TestWaveformReadsWholeReply(t *testing.T) {
    sc, dev := newTestScope(t)
    preamble := `:WFMPRE:BYT_NR 1;BIT_NR 8;ENCDG ASCII;BN_FMT RI;BYT_OR MSB;WFID "Ch1 DC Coupling"`
    curve := ":CURVE " + strings.Repeat("12,", 300) + "12"
    dev.Reply("WAVFrm?", preamble+";"+curve+"\n")
    dev.Reply("WFMPre?", preamble+"\n")

    got, err := sc.Waveform()
    if err != nil {
        t.Fatalf("waveform: %v", err)
    }
    if got != preamble+";"+curve {
        t.Fatalf("reply truncated to %d bytes", len(got))
    }
    if len(dev.Reads) < 2 {
        t.Fatalf("expected several reads, got %v", dev.Reads)
    }

    pre, err := sc.Preamble()
    if err != nil || pre != preamble {
        t.Fatalf("preamble = %q, %v", pre, err)
    }
}

func TestWaveformBinaryBlockSpansReads(t *testing.T) {
    sc, dev := newTestScope(t)
    prefix := `:WFMPRE:BYT_NR 1;ENCDG BIN;BN_FMT RI;WFID "Ch1 #2";:CURVE `

    // 第一次读取恰好在块内的 0x0A 处结束
    samples := make([]int, 1000)
    for i := range samples {
        samples[i] = 1
    }
    samples[protocol.DefaultReadLen-len(prefix)-6-1] = protocol.Terminator
    block, err := parser.EncodeBlock(samples, protocol.EncodingRIBinary, protocol.Width1)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    reply := append([]byte(prefix), block...)
    if reply[protocol.DefaultReadLen-1] != protocol.Terminator {
        t.Fatalf("test reply does not end its first read on a newline")
    }
    dev.ReplyBytes("WAVFrm?", reply)

    got, err := sc.Waveform()
    if err != nil {
        t.Fatalf("waveform: %v", err)
    }
    if got != string(reply[:len(reply)-1]) {
        t.Fatalf("reply truncated to %d of %d bytes", len(got), len(reply)-1)
    }
    if dev.Pending() != 0 {
        t.Fatalf("%d bytes left on the bus", dev.Pending())
    }
}
