package parser

import (
    "bytes"
    "encoding/binary"
    "errors"
    "fmt"
    "strconv"
    "strings"

    "github.com/hewittc/mrgpib/internal/monitor"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

var (
    ErrShortRead       = errors.New("parser: short read")
    ErrLongRead        = errors.New("parser: reader returned more bytes than requested")
    ErrHeaderDigit     = errors.New("parser: header length is not a digit 1-9")
    ErrLengthField     = errors.New("parser: payload length field is not numeric")
    ErrPayloadTooLarge = errors.New("parser: payload too large")
    ErrMisaligned      = errors.New("parser: payload length not divisible by sample width")
    ErrWidth           = errors.New("parser: sample width must be 1 or 2")
    ErrEncoding        = errors.New("parser: unsupported encoding")
    ErrASCIITooLong    = errors.New("parser: ascii reply exceeds limit")
    ErrSampleRange     = errors.New("parser: sample out of range")
)

// State 一次二进制解码调用的状态
type State int

const (
    StateIdle State = iota
    StateHeaderLengthRead
    StatePayloadLengthRead
    StatePayloadRead
    StateDecoded
    StateFailed
    StateAccumulating // ASCII模式
)

var stateNames = map[State]string{
    StateIdle:              "idle",
    StateHeaderLengthRead:  "header-length-read",
    StatePayloadLengthRead: "payload-length-read",
    StatePayloadRead:       "payload-read",
    StateDecoded:           "decoded",
    StateFailed:            "failed",
    StateAccumulating:      "accumulating",
}

func (s State) String() string {
    if name, ok := stateNames[s]; ok {
        return name
    }
    return fmt.Sprintf("State(%d)", int(s))
}

// DecodeError 块头或负载格式错误; State 为出错时所处的状态
type DecodeError struct {
    State State
    Err   error
}

func (e *DecodeError) Error() string {
    return fmt.Sprintf("波形解码失败 (%s): %v", e.State, e.Err)
}

func (e *DecodeError) Unwrap() error {
    return e.Err
}

// ResponseReader 每次最多读取 maxLen 字节
type ResponseReader interface {
    ReadResponse(maxLen int) ([]byte, error)
}

// Conn 可以发送查询并读取应答
type Conn interface {
    ResponseReader
    WriteCommand(cmd string) error
}

// Limits 限制单次解码的内存占用
type Limits struct {
    MaxPayloadBytes int
    MaxASCIIBytes   int
}

func DefaultLimits() Limits {
    return Limits{
        MaxPayloadBytes: 8 * 1024 * 1024,
        MaxASCIIBytes:   8 * 1024 * 1024,
    }
}

type Parser struct {
    limits Limits
}

func NewParser() *Parser {
    return &Parser{limits: DefaultLimits()}
}

func NewParserWithLimits(limits Limits) *Parser {
    return &Parser{limits: limits}
}

// QueryCurve 发送曲线查询后按给定编码和宽度解码应答.
// 编码和宽度必须由调用方提供, 应答本身不描述它们.
func (p *Parser) QueryCurve(c Conn, query string, enc protocol.Encoding, width protocol.SampleWidth) (*protocol.Curve, error) {
    if err := checkParams(enc, width); err != nil {
        return nil, err
    }
    if err := c.WriteCommand(query); err != nil {
        return nil, err
    }
    return p.ReadCurve(c, enc, width)
}

// ReadCurve 解码已经发出的曲线查询的应答
func (p *Parser) ReadCurve(r ResponseReader, enc protocol.Encoding, width protocol.SampleWidth) (*protocol.Curve, error) {
    if err := checkParams(enc, width); err != nil {
        return nil, err
    }
    if enc == protocol.EncodingASCII {
        text, err := p.ReadASCII(r)
        if err != nil {
            return nil, err
        }
        return &protocol.Curve{Encoding: enc, Width: width, Text: text}, nil
    }
    return p.ReadBinary(r, enc, width)
}

// ReadBinary 解析 [x][x位数字y][y字节负载][终止符]; 前导 '#' 可选
func (p *Parser) ReadBinary(r ResponseReader, enc protocol.Encoding, width protocol.SampleWidth) (*protocol.Curve, error) {
    if err := checkParams(enc, width); err != nil {
        return nil, err
    }
    if !enc.IsBinary() {
        return nil, p.fail(StateIdle, ErrEncoding)
    }

    state := StateIdle

    b, err := p.read(r, 1, state)
    if err != nil {
        return nil, err
    }
    if b[0] == protocol.BlockStart {
        if b, err = p.read(r, 1, state); err != nil {
            return nil, err
        }
    }
    x := b[0]
    if x < '1' || x > '9' {
        return nil, p.fail(state, fmt.Errorf("%w: %q", ErrHeaderDigit, x))
    }
    header := &protocol.WaveformHeader{
        HeaderLengthDigitCount:  x,
        PayloadLengthDigitCount: int(x - '0'),
    }
    state = StateHeaderLengthRead

    digits, err := p.read(r, header.PayloadLengthDigitCount, state)
    if err != nil {
        return nil, err
    }
    y, err := parseDigits(digits)
    if err != nil {
        return nil, p.fail(state, err)
    }
    header.DeclaredByteCount = y
    state = StatePayloadLengthRead

    if y > p.limits.MaxPayloadBytes {
        return nil, p.fail(state, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, y, p.limits.MaxPayloadBytes))
    }
    if y%int(width) != 0 {
        return nil, p.fail(state, fmt.Errorf("%w: %d %% %d", ErrMisaligned, y, width))
    }

    // 负载之后紧跟一个终止字节
    payload, err := p.read(r, y+1, state)
    if err != nil {
        return nil, err
    }
    state = StatePayloadRead

    samples, err := DecodeSamples(payload[:y], enc, width)
    if err != nil {
        return nil, p.fail(state, err)
    }

    monitor.SamplesDecoded.Add(float64(len(samples)))
    return &protocol.Curve{
        Encoding: enc,
        Width:    width,
        Header:   header,
        Samples:  samples,
    }, nil
}

// ReadASCII 累积读取直到最近一次读到的数据块包含换行, 返回去除空白的文本
func (p *Parser) ReadASCII(r ResponseReader) (string, error) {
    var buf []byte
    for {
        chunk, err := r.ReadResponse(protocol.DefaultReadLen)
        if err != nil {
            return "", fmt.Errorf("读取波形失败 (%s): %w", StateAccumulating, err)
        }
        if len(chunk) == 0 {
            return "", p.fail(StateAccumulating, ErrShortRead)
        }
        buf = append(buf, chunk...)
        if bytes.IndexByte(chunk, protocol.Terminator) >= 0 {
            break
        }
        if len(buf) > p.limits.MaxASCIIBytes {
            return "", p.fail(StateAccumulating, fmt.Errorf("%w: %d 字节", ErrASCIITooLong, len(buf)))
        }
    }
    return strings.TrimSpace(string(buf)), nil
}

// read 每个步骤只读一次, 不足即为帧错误
func (p *Parser) read(r ResponseReader, n int, state State) ([]byte, error) {
    data, err := r.ReadResponse(n)
    if err != nil {
        return nil, fmt.Errorf("读取波形失败 (%s): %w", state, err)
    }
    if len(data) < n {
        return nil, p.fail(state, fmt.Errorf("%w: 期望 %d 字节, 实际 %d", ErrShortRead, n, len(data)))
    }
    if len(data) > n {
        return nil, p.fail(state, fmt.Errorf("%w: 期望 %d 字节, 实际 %d", ErrLongRead, n, len(data)))
    }
    return data, nil
}

func (p *Parser) fail(state State, err error) error {
    monitor.DecodeErrors.Inc()
    return &DecodeError{State: state, Err: err}
}

func checkParams(enc protocol.Encoding, width protocol.SampleWidth) error {
    if !enc.Valid() {
        return &DecodeError{State: StateIdle, Err: fmt.Errorf("%w: %d", ErrEncoding, int(enc))}
    }
    if !width.Valid() {
        return &DecodeError{State: StateIdle, Err: fmt.Errorf("%w: %d", ErrWidth, int(width))}
    }
    return nil
}

func parseDigits(b []byte) (int, error) {
    for _, c := range b {
        if c < '0' || c > '9' {
            return 0, fmt.Errorf("%w: %q", ErrLengthField, b)
        }
    }
    n, err := strconv.Atoi(string(b))
    if err != nil {
        return 0, fmt.Errorf("%w: %q", ErrLengthField, b)
    }
    return n, nil
}

// DecodeSamples 按编码的字节序和符号解释负载
func DecodeSamples(payload []byte, enc protocol.Encoding, width protocol.SampleWidth) ([]int, error) {
    if !enc.IsBinary() {
        return nil, fmt.Errorf("%w: %s", ErrEncoding, enc)
    }
    if !width.Valid() {
        return nil, fmt.Errorf("%w: %d", ErrWidth, int(width))
    }
    w := int(width)
    if len(payload)%w != 0 {
        return nil, fmt.Errorf("%w: %d %% %d", ErrMisaligned, len(payload), w)
    }

    var order binary.ByteOrder = binary.BigEndian
    if enc.LittleEndian() {
        order = binary.LittleEndian
    }
    signed := enc.Signed()

    samples := make([]int, len(payload)/w)
    for i := range samples {
        b := payload[i*w : (i+1)*w]
        switch width {
        case protocol.Width1:
            if signed {
                samples[i] = int(int8(b[0]))
            } else {
                samples[i] = int(b[0])
            }
        case protocol.Width2:
            v := order.Uint16(b)
            if signed {
                samples[i] = int(int16(v))
            } else {
                samples[i] = int(v)
            }
        }
    }
    return samples, nil
}

// ParseASCIISamples 解析逗号分隔的ASCII曲线, 可带 ":CURVE" 头
func ParseASCIISamples(text string) ([]int, error) {
    text = strings.TrimSpace(text)
    if i := strings.IndexByte(text, ' '); i > 0 && !isNumber(text[:i]) {
        text = strings.TrimSpace(text[i+1:])
    }
    if text == "" {
        return nil, nil
    }

    fields := strings.Split(text, ",")
    samples := make([]int, 0, len(fields))
    for _, f := range fields {
        v, err := strconv.Atoi(strings.TrimSpace(f))
        if err != nil {
            return nil, fmt.Errorf("无效的ASCII样本 %q: %w", f, err)
        }
        samples = append(samples, v)
    }
    return samples, nil
}

func isNumber(s string) bool {
    s = strings.TrimSuffix(s, ",")
    _, err := strconv.Atoi(s)
    return err == nil
}
