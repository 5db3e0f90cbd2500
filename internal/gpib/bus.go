package gpib

import (
    "errors"
    "fmt"
    "time"
)

var (
    ErrUnknownAlias   = errors.New("gpib: unknown device alias")
    ErrUnknownHandle  = errors.New("gpib: unknown handle")
    ErrInvalidAddress = errors.New("gpib: invalid address")
    ErrTimeout        = errors.New("gpib: read timeout")
    ErrClosed         = errors.New("gpib: bus closed")
)

// Handle 已打开设备的不透明标识
type Handle int

// Bus 总线传输层的最小接口, 对同一Handle的调用必须由调用方串行化
type Bus interface {
    OpenByAlias(alias string) (Handle, error)
    OpenByAddress(addr Address) (Handle, error)
    Close(h Handle) error
    Clear(h Handle) error
    Write(h Handle, p []byte) error
    Read(h Handle, maxLen int) ([]byte, error)
}

// TimeoutCode linux-gpib 的 T 超时代码
type TimeoutCode int

const (
    TNone TimeoutCode = iota
    T10us
    T30us
    T100us
    T300us
    T1ms
    T3ms
    T10ms
    T30ms
    T100ms
    T300ms
    T1s
    T3s
    T10s
    T30s
    T100s
    T300s
    T1000s
)

var timeoutDurations = [...]time.Duration{
    TNone:  0,
    T10us:  10 * time.Microsecond,
    T30us:  30 * time.Microsecond,
    T100us: 100 * time.Microsecond,
    T300us: 300 * time.Microsecond,
    T1ms:   time.Millisecond,
    T3ms:   3 * time.Millisecond,
    T10ms:  10 * time.Millisecond,
    T30ms:  30 * time.Millisecond,
    T100ms: 100 * time.Millisecond,
    T300ms: 300 * time.Millisecond,
    T1s:    time.Second,
    T3s:    3 * time.Second,
    T10s:   10 * time.Second,
    T30s:   30 * time.Second,
    T100s:  100 * time.Second,
    T300s:  300 * time.Second,
    T1000s: 1000 * time.Second,
}

// Valid 代码是否在表内
func (c TimeoutCode) Valid() bool {
    return c >= TNone && int(c) < len(timeoutDurations)
}

// Duration 0 表示不超时
func (c TimeoutCode) Duration() time.Duration {
    if !c.Valid() {
        return 0
    }
    return timeoutDurations[c]
}

func (c TimeoutCode) String() string {
    if c == TNone {
        return "TNONE"
    }
    if !c.Valid() {
        return fmt.Sprintf("TimeoutCode(%d)", int(c))
    }
    return "T" + c.Duration().String()
}

// Terminator 写入时追加的GPIB终止符, None 表示只依赖EOI
type Terminator int

const (
    TermNone Terminator = iota
    TermLF
    TermCR
    TermCRLF
)

func (t Terminator) String() string {
    switch t {
    case TermNone:
        return "none"
    case TermLF:
        return "lf"
    case TermCR:
        return "cr"
    case TermCRLF:
        return "crlf"
    default:
        return fmt.Sprintf("Terminator(%d)", int(t))
    }
}

// ParseTerminator 配置文件中的名称
func ParseTerminator(s string) (Terminator, error) {
    switch s {
    case "", "none", "eoi":
        return TermNone, nil
    case "lf":
        return TermLF, nil
    case "cr":
        return TermCR, nil
    case "crlf":
        return TermCRLF, nil
    }
    return TermNone, fmt.Errorf("未知终止符: %q", s)
}

const (
    DefaultTimeout = T10s

    MaxPrimaryAddress   = 30
    MinSecondaryAddress = 96
    MaxSecondaryAddress = 126
)

// Address 显式寻址参数
type Address struct {
    Primary   int
    Secondary int // 0 表示无次地址
    Timeout   TimeoutCode
    SendEOI   bool
    EOS       Terminator
}

// DefaultAddress 与 linux-gpib ibdev 的常用默认值一致
func DefaultAddress(primary int) Address {
    return Address{
        Primary: primary,
        Timeout: DefaultTimeout,
        SendEOI: true,
        EOS:     TermNone,
    }
}

// Validate 检查地址范围
func (a Address) Validate() error {
    if a.Primary < 0 || a.Primary > MaxPrimaryAddress {
        return fmt.Errorf("%w: primary %d (0-%d)", ErrInvalidAddress, a.Primary, MaxPrimaryAddress)
    }
    if a.Secondary != 0 && (a.Secondary < MinSecondaryAddress || a.Secondary > MaxSecondaryAddress) {
        return fmt.Errorf("%w: secondary %d (%d-%d)", ErrInvalidAddress, a.Secondary, MinSecondaryAddress, MaxSecondaryAddress)
    }
    if !a.Timeout.Valid() {
        return fmt.Errorf("%w: timeout code %d", ErrInvalidAddress, int(a.Timeout))
    }
    return nil
}

func (a Address) String() string {
    if a.Secondary != 0 {
        return fmt.Sprintf("%d,%d", a.Primary, a.Secondary)
    }
    return fmt.Sprintf("%d", a.Primary)
}
