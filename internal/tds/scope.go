// Package tds 在仪器会话之上实现 Tektronix TDS 数字示波器的命令集
package tds

import (
    "fmt"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/hewittc/mrgpib/internal/instrument"
    "github.com/hewittc/mrgpib/internal/parser"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

const (
    DefaultBusyTimeout = 10 * time.Second
    DefaultBusyPoll    = 100 * time.Millisecond
)

// Options 示波器行为参数
type Options struct {
    BusyTimeout time.Duration
    BusyPoll    time.Duration
    Limits      parser.Limits
}

func DefaultOptions() Options {
    return Options{
        BusyTimeout: DefaultBusyTimeout,
        BusyPoll:    DefaultBusyPoll,
        Limits:      parser.DefaultLimits(),
    }
}

// Scope 一台TDS示波器. 多步交互由内部互斥锁串行化.
type Scope struct {
    mu       sync.Mutex
    session  *instrument.Session
    parser   *parser.Parser
    opts     Options
    identity string
    log      *logrus.Logger
}

var _ instrument.Instrument = (*Scope)(nil)

func NewScope(session *instrument.Session, opts Options, log *logrus.Logger) *Scope {
    def := DefaultOptions()
    if opts.BusyTimeout <= 0 {
        opts.BusyTimeout = def.BusyTimeout
    }
    if opts.BusyPoll <= 0 {
        opts.BusyPoll = def.BusyPoll
    }
    if opts.Limits.MaxPayloadBytes <= 0 || opts.Limits.MaxASCIIBytes <= 0 {
        opts.Limits = def.Limits
    }
    return &Scope{
        session: session,
        parser:  parser.NewParserWithLimits(opts.Limits),
        opts:    opts,
        log:     log,
    }
}

// DeviceID 会话目标, 用作指标和发布的设备标识
func (sc *Scope) DeviceID() string {
    return sc.session.Target()
}

// Identity 查询 *IDN?
func (sc *Scope) Identity() (string, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.identify()
}

func (sc *Scope) identify() (string, error) {
    idn, err := sc.query("*IDN?")
    if err != nil {
        return "", err
    }
    sc.identity = idn
    if !Supported(idn) {
        sc.log.Warnf("未验证的型号: %s", idn)
    }
    return idn, nil
}

// SetResponseHeader HEADer ON|OFF
func (sc *Scope) SetResponseHeader(on bool) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.setResponseHeader(on)
}

func (sc *Scope) setResponseHeader(on bool) error {
    if on {
        return sc.session.WriteCommand("HEADer ON")
    }
    return sc.session.WriteCommand("HEADer OFF")
}

func (sc *Scope) ResponseHeader() (bool, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()

    reply, err := sc.query("HEADer?")
    if err != nil {
        return false, err
    }
    return parseBool(reply)
}

// SetDataSource DATa:SOUrce <wfm>[,<wfm>]...
func (sc *Scope) SetDataSource(wfms ...string) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.setDataSource(wfms)
}

func (sc *Scope) setDataSource(wfms []string) error {
    names, err := checkSources(wfms)
    if err != nil {
        return err
    }
    return sc.session.WriteCommand("DATa:SOUrce " + strings.Join(names, ","))
}

func (sc *Scope) DataSource() (string, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.query("DATa:SOUrce?")
}

// SetDataEncoding DATa:ENCdg { ASCIi | RIBinary | RPBinary | SRIbinary | SRPbinary }
func (sc *Scope) SetDataEncoding(enc protocol.Encoding) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.setDataEncoding(enc)
}

func (sc *Scope) setDataEncoding(enc protocol.Encoding) error {
    if !enc.Valid() {
        return &ValidationError{Op: "DATa:ENCdg", Value: enc.String(), Allowed: encodingNames()}
    }
    return sc.session.WriteCommand("DATa:ENCdg " + enc.Mnemonic())
}

func (sc *Scope) DataEncoding() (protocol.Encoding, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.dataEncoding()
}

func (sc *Scope) dataEncoding() (protocol.Encoding, error) {
    reply, err := sc.query("DATa:ENCdg?")
    if err != nil {
        return 0, err
    }
    enc, err := protocol.ParseEncoding(reply)
    if err != nil {
        return 0, fmt.Errorf("%w: DATa:ENCdg? %q", ErrUnexpectedReply, reply)
    }
    return enc, nil
}

// SetDataStart DATa:STARt <NR1>, 仪器自行限制范围
func (sc *Scope) SetDataStart(start int) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.session.WriteCommand(fmt.Sprintf("DATa:STARt %d", start))
}

func (sc *Scope) DataStart() (int, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.queryInt("DATa:STARt?")
}

// SetDataStop DATa:STOP <NR1>
func (sc *Scope) SetDataStop(stop int) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.session.WriteCommand(fmt.Sprintf("DATa:STOP %d", stop))
}

func (sc *Scope) DataStop() (int, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.queryInt("DATa:STOP?")
}

// DataWindow 重新查询起止点, 不使用本地记录的值
func (sc *Scope) DataWindow() (start, stop int, err error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.dataWindow()
}

func (sc *Scope) dataWindow() (start, stop int, err error) {
    if start, err = sc.queryInt("DATa:STARt?"); err != nil {
        return 0, 0, err
    }
    if stop, err = sc.queryInt("DATa:STOP?"); err != nil {
        return 0, 0, err
    }
    return start, stop, nil
}

// SetDataWidth DATa:WIDth 1|2
func (sc *Scope) SetDataWidth(width protocol.SampleWidth) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.setDataWidth(width)
}

func (sc *Scope) setDataWidth(width protocol.SampleWidth) error {
    if !width.Valid() {
        return &ValidationError{Op: "DATa:WIDth", Value: strconv.Itoa(int(width)), Allowed: []string{"1", "2"}}
    }
    return sc.session.WriteCommand(fmt.Sprintf("DATa:WIDth %d", int(width)))
}

func (sc *Scope) DataWidth() (protocol.SampleWidth, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.dataWidth()
}

func (sc *Scope) dataWidth() (protocol.SampleWidth, error) {
    n, err := sc.queryInt("DATa:WIDth?")
    if err != nil {
        return 0, err
    }
    width := protocol.SampleWidth(n)
    if !width.Valid() {
        return 0, fmt.Errorf("%w: DATa:WIDth? %d", ErrUnexpectedReply, n)
    }
    return width, nil
}

// SetHardcopyFormat HARDCopy:FORMat, 接受短格式或长格式
func (sc *Scope) SetHardcopyFormat(format string) error {
    sc.mu.Lock()
    defer sc.mu.Unlock()

    name, ok := lookup(HardcopyFormats, format)
    if !ok {
        return &ValidationError{Op: "HARDCopy:FORMat", Value: format, Allowed: HardcopyFormats}
    }
    return sc.session.WriteCommand("HARDCopy:FORMat " + name)
}

func (sc *Scope) HardcopyFormat() (string, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.query("HARDCopy:FORMat?")
}

// Busy 查询 BUSY?
func (sc *Scope) Busy() (bool, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.busy()
}

func (sc *Scope) busy() (bool, error) {
    reply, err := sc.query("BUSY?")
    if err != nil {
        return false, err
    }
    return parseBool(reply)
}

// Waveform 查询 WAVFrm?, 返回前导信息和曲线数据的原始应答.
// 二进制编码时曲线是 '#' 定长块, 块内的换行不结束应答.
func (sc *Scope) Waveform() (string, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.queryMessage("WAVFrm?")
}

// Preamble 查询 WFMPre?
func (sc *Scope) Preamble() (string, error) {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.queryMessage("WFMPre?")
}

// Clear 设备清除. 中断的曲线传输之后必须先清除再继续使用.
func (sc *Scope) Clear() error {
    sc.mu.Lock()
    defer sc.mu.Unlock()
    return sc.session.Clear()
}

// query 单行应答, 去掉 HEADer ON 时的命令头
func (sc *Scope) query(cmd string) (string, error) {
    reply, err := sc.session.Query(cmd)
    if err != nil {
        return "", err
    }
    return stripHeader(reply), nil
}

func (sc *Scope) queryInt(cmd string) (int, error) {
    reply, err := sc.query(cmd)
    if err != nil {
        return 0, err
    }
    n, err := strconv.Atoi(reply)
    if err != nil {
        return 0, fmt.Errorf("%w: %s %q", ErrUnexpectedReply, cmd, reply)
    }
    return n, nil
}

// queryMessage 读取可能超过一次读取长度的应答, 直到读到块外的终止符或读取不足
func (sc *Scope) queryMessage(cmd string) (string, error) {
    if err := sc.session.WriteCommand(cmd); err != nil {
        return "", err
    }
    var buf []byte
    for {
        chunk, err := sc.session.ReadResponse(protocol.DefaultReadLen)
        if err != nil {
            return "", err
        }
        buf = append(buf, chunk...)
        if len(chunk) < protocol.DefaultReadLen {
            break
        }
        if chunk[len(chunk)-1] == protocol.Terminator && parser.MessageComplete(buf) {
            break
        }
        if len(buf) > sc.opts.Limits.MaxASCIIBytes {
            return "", fmt.Errorf("%w: %s 超过 %d 字节", parser.ErrASCIITooLong, cmd, sc.opts.Limits.MaxASCIIBytes)
        }
    }
    return strings.TrimSuffix(string(buf), string(protocol.Terminator)), nil
}

func stripHeader(reply string) string {
    if !strings.HasPrefix(reply, ":") {
        return reply
    }
    if i := strings.IndexByte(reply, ' '); i >= 0 {
        return strings.TrimSpace(reply[i+1:])
    }
    return reply
}

func parseBool(reply string) (bool, error) {
    switch strings.ToUpper(reply) {
    case "1", "ON":
        return true, nil
    case "0", "OFF":
        return false, nil
    }
    return false, fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}

func checkSources(wfms []string) ([]string, error) {
    if len(wfms) == 0 {
        return nil, &ValidationError{Op: "DATa:SOUrce", Allowed: Sources}
    }
    names := make([]string, 0, len(wfms))
    for _, w := range wfms {
        name, ok := lookup(Sources, w)
        if !ok {
            return nil, &ValidationError{Op: "DATa:SOUrce", Value: w, Allowed: Sources}
        }
        names = append(names, name)
    }
    return names, nil
}

func encodingNames() []string {
    names := make([]string, len(protocol.Encodings))
    for i, enc := range protocol.Encodings {
        names[i] = enc.Mnemonic()
    }
    return names
}
