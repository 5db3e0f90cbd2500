package protocol

import (
    "fmt"
    "strings"
    "time"
)

// Encoding 波形数据编码 (DATa:ENCdg)
type Encoding int

const (
    EncodingASCII Encoding = iota // ASCIi
    EncodingRIBinary              // 有符号, MSB在前
    EncodingRPBinary              // 无符号, MSB在前
    EncodingSRIBinary             // 有符号, LSB在前
    EncodingSRPBinary             // 无符号, LSB在前
)

// Encodings 全部编码, 与仪器文档顺序一致
var Encodings = []Encoding{
    EncodingASCII,
    EncodingRIBinary,
    EncodingRPBinary,
    EncodingSRIBinary,
    EncodingSRPBinary,
}

var encodingMnemonics = map[Encoding]string{
    EncodingASCII:     "ASCIi",
    EncodingRIBinary:  "RIBinary",
    EncodingRPBinary:  "RPBinary",
    EncodingSRIBinary: "SRIbinary",
    EncodingSRPBinary: "SRPbinary",
}

// Mnemonic 返回仪器文档中的助记符 (大写部分为短格式)
func (e Encoding) Mnemonic() string {
    if m, ok := encodingMnemonics[e]; ok {
        return m
    }
    return fmt.Sprintf("Encoding(%d)", int(e))
}

func (e Encoding) String() string {
    return e.Mnemonic()
}

// Valid 是否为已知编码
func (e Encoding) Valid() bool {
    _, ok := encodingMnemonics[e]
    return ok
}

// IsBinary 二进制编码带有块头
func (e Encoding) IsBinary() bool {
    return e.Valid() && e != EncodingASCII
}

// Signed 样本是否为有符号整数
func (e Encoding) Signed() bool {
    return e == EncodingRIBinary || e == EncodingSRIBinary
}

// LittleEndian 样本是否LSB在前
func (e Encoding) LittleEndian() bool {
    return e == EncodingSRIBinary || e == EncodingSRPBinary
}

// MarshalText 以助记符序列化
func (e Encoding) MarshalText() ([]byte, error) {
    if !e.Valid() {
        return nil, fmt.Errorf("未知编码: %d", int(e))
    }
    return []byte(e.Mnemonic()), nil
}

// UnmarshalText 接受短格式或长格式, 不区分大小写
func (e *Encoding) UnmarshalText(text []byte) error {
    enc, err := ParseEncoding(string(text))
    if err != nil {
        return err
    }
    *e = enc
    return nil
}

// ParseEncoding 解析仪器返回或用户输入的编码名称
func ParseEncoding(s string) (Encoding, error) {
    for _, enc := range Encodings {
        if MatchKeyword(enc.Mnemonic(), s) {
            return enc, nil
        }
    }
    return 0, fmt.Errorf("未知编码: %q", s)
}

// MatchKeyword 按仪器关键字规则比较: 至少包含大写的短格式,
// 且不超过长格式, 不区分大小写.
func MatchKeyword(mnemonic, s string) bool {
    s = strings.ToUpper(strings.TrimSpace(s))
    if s == "" {
        return false
    }
    short := shortForm(mnemonic)
    long := strings.ToUpper(mnemonic)
    return strings.HasPrefix(s, short) && strings.HasPrefix(long, s)
}

func shortForm(mnemonic string) string {
    var b strings.Builder
    for _, r := range mnemonic {
        if r >= 'a' && r <= 'z' {
            break
        }
        b.WriteRune(r)
    }
    return b.String()
}

// SampleWidth 每个样本的字节数 (DATa:WIDth)
type SampleWidth int

const (
    Width1 SampleWidth = 1
    Width2 SampleWidth = 2
)

// Valid 只支持1或2字节
func (w SampleWidth) Valid() bool {
    return w == Width1 || w == Width2
}

// Bits 样本位数
func (w SampleWidth) Bits() int {
    return int(w) * 8
}

// Range 返回给定编码下样本的取值范围
func (w SampleWidth) Range(signed bool) (min, max int) {
    bits := w.Bits()
    if signed {
        return -(1 << (bits - 1)), 1<<(bits-1) - 1
    }
    return 0, 1<<bits - 1
}

// WaveformHeader 二进制块头, 仅在一次解码中存在
type WaveformHeader struct {
    HeaderLengthDigitCount  byte // 第一个字节, ASCII数字x
    PayloadLengthDigitCount int  // 由x得到的位数
    DeclaredByteCount       int  // x位ASCII数字表示的y
}

// Curve 一次 CURVe? 传输的解码结果
type Curve struct {
    Encoding Encoding        `json:"encoding"`
    Width    SampleWidth     `json:"width"`
    Header   *WaveformHeader `json:"-"`
    Samples  []int           `json:"samples,omitempty"`
    Text     string          `json:"text,omitempty"` // ASCII模式下的原始文本
}

// Len 样本个数
func (c *Curve) Len() int {
    return len(c.Samples)
}

// Waveform 发布到消息队列的一次采集记录
type Waveform struct {
    DeviceID  string      `json:"device_id"`
    Identity  string      `json:"identity,omitempty"`
    Timestamp time.Time   `json:"timestamp"`
    Source    string      `json:"source"`
    Encoding  Encoding    `json:"encoding"`
    Width     SampleWidth `json:"width"`
    Start     int         `json:"start"`
    Stop      int         `json:"stop"`
    Samples   []int       `json:"samples,omitempty"`
    Text      string      `json:"text,omitempty"`
    Error     string      `json:"error,omitempty"`
}

// 协议常量
const (
    // 默认单次读取长度
    DefaultReadLen = 512

    // IEEE-488.2 定长块起始符
    BlockStart = '#'

    // 响应终止符
    Terminator = '\n'

    // 数据窗口
    MinDataIndex = 1
)
