package gpib

import (
    "errors"
    "fmt"
    "io"
    "net"
    "sync"
    "time"

    "github.com/gotmc/prologix"
    "github.com/sirupsen/logrus"
    "go.bug.st/serial"
)

const (
    LinkSerial = "serial"
    LinkTCP    = "tcp"

    // Prologix 控制器 read_tmo_ms 的取值范围
    minReadTimeoutMs = 1
    maxReadTimeoutMs = 3000

    defaultIdleGap  = 100 * time.Millisecond
    defaultBaudRate = 115200
    dialTimeout     = 5 * time.Second

    drainChunk    = 512
    maxDrainBytes = 16 << 20
)

// 需要转义的字节 (Prologix 手册: CR, LF, ESC, '+')
const (
    escByte  = 0x1B
    plusByte = '+'
)

// PrologixConfig Prologix GPIB-USB / GPIB-ETHERNET 控制器的连接参数
type PrologixConfig struct {
    Kind     string        // serial 或 tcp
    Port     string        // 串口设备路径
    BaudRate int
    Address  string        // tcp 模式下 host:port
    IdleGap  time.Duration // 数据开始后的空闲间隔, 超过即认为本次读取结束
}

// link 控制器下层的字节流
type link interface {
    io.ReadWriteCloser
    SetReadTimeout(d time.Duration) error
    ResetInputBuffer() error
}

type device struct {
    addr    Address
    pending bool // 写入后尚未发送 ++read
}

// PrologixBus 通过 Prologix 控制器实现 Bus, 多个Handle共享同一控制器
type PrologixBus struct {
    mu      sync.Mutex
    dial    func() (link, error)
    link    link
    ctrl    *prologix.Controller
    aliases map[string]Address
    devices map[Handle]*device
    next    Handle
    current Handle
    idleGap time.Duration
    log     *logrus.Logger
}

// NewPrologixBus 创建总线, 连接在第一次打开设备时建立
func NewPrologixBus(cfg PrologixConfig, aliases map[string]Address, log *logrus.Logger) (*PrologixBus, error) {
    var dial func() (link, error)

    switch cfg.Kind {
    case LinkSerial, "":
        if cfg.Port == "" {
            return nil, fmt.Errorf("gpib: 未配置串口")
        }
        baud := cfg.BaudRate
        if baud <= 0 {
            baud = defaultBaudRate
        }
        dial = func() (link, error) {
            return serial.Open(cfg.Port, &serial.Mode{
                BaudRate: baud,
                DataBits: 8,
                Parity:   serial.NoParity,
                StopBits: serial.OneStopBit,
            })
        }
    case LinkTCP:
        if cfg.Address == "" {
            return nil, fmt.Errorf("gpib: 未配置控制器地址")
        }
        dial = func() (link, error) {
            conn, err := net.DialTimeout("tcp", cfg.Address, dialTimeout)
            if err != nil {
                return nil, err
            }
            return &tcpLink{Conn: conn}, nil
        }
    default:
        return nil, fmt.Errorf("gpib: 未知连接类型 %q", cfg.Kind)
    }

    return newPrologixBus(dial, aliases, cfg.IdleGap, log), nil
}

func newPrologixBus(dial func() (link, error), aliases map[string]Address, idleGap time.Duration, log *logrus.Logger) *PrologixBus {
    if idleGap <= 0 {
        idleGap = defaultIdleGap
    }
    if aliases == nil {
        aliases = map[string]Address{}
    }
    return &PrologixBus{
        dial:    dial,
        aliases: aliases,
        devices: make(map[Handle]*device),
        next:    1,
        current: -1,
        idleGap: idleGap,
        log:     log,
    }
}

// OpenByAlias 按配置中的别名打开设备
func (b *PrologixBus) OpenByAlias(alias string) (Handle, error) {
    b.mu.Lock()
    addr, ok := b.aliases[alias]
    b.mu.Unlock()
    if !ok {
        return 0, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
    }
    return b.OpenByAddress(addr)
}

// OpenByAddress 按主/次地址打开设备
func (b *PrologixBus) OpenByAddress(addr Address) (Handle, error) {
    if err := addr.Validate(); err != nil {
        return 0, err
    }

    b.mu.Lock()
    defer b.mu.Unlock()

    if err := b.connect(addr); err != nil {
        return 0, err
    }

    h := b.next
    b.next++
    b.devices[h] = &device{addr: addr}

    if _, err := b.selectDevice(h); err != nil {
        delete(b.devices, h)
        b.closeIfIdle()
        return 0, err
    }

    b.log.Debugf("GPIB设备已打开: handle=%d addr=%s timeout=%s", h, addr, addr.Timeout)
    return h, nil
}

// Close 释放Handle, 最后一个Handle释放时关闭控制器连接
func (b *PrologixBus) Close(h Handle) error {
    b.mu.Lock()
    defer b.mu.Unlock()

    if _, ok := b.devices[h]; !ok {
        return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
    }
    delete(b.devices, h)
    if b.current == h {
        b.current = -1
    }
    return b.closeIfIdle()
}

// Clear 发送 Selected Device Clear, 并丢弃控制器已经送出但尚未读取的字节
func (b *PrologixBus) Clear(h Handle) error {
    b.mu.Lock()
    defer b.mu.Unlock()

    dev, err := b.selectDevice(h)
    if err != nil {
        return err
    }
    dev.pending = false
    // 任何命令都会中止控制器正在进行的 ++read
    if err := b.ctrl.ClearDevice(); err != nil {
        return err
    }
    return b.drain(h)
}

// Write 写入原始字节, 由控制器追加LF作为USB终止符
func (b *PrologixBus) Write(h Handle, p []byte) error {
    b.mu.Lock()
    defer b.mu.Unlock()

    dev, err := b.selectDevice(h)
    if err != nil {
        return err
    }

    data := escape(p)
    if _, err := b.ctrl.Write(data); err != nil {
        return err
    }
    dev.pending = true
    b.log.Debugf("GPIB写入 [%d]: %q", h, p)
    return nil
}

// Read 读取最多 maxLen 字节; 在数据开始后链路空闲超过 idleGap 即返回已读部分
func (b *PrologixBus) Read(h Handle, maxLen int) ([]byte, error) {
    if maxLen <= 0 {
        return nil, fmt.Errorf("gpib: 无效的读取长度 %d", maxLen)
    }

    b.mu.Lock()
    defer b.mu.Unlock()

    dev, err := b.selectDevice(h)
    if err != nil {
        return nil, err
    }
    if dev.pending {
        if err := b.ctrl.CommandController("read eoi"); err != nil {
            return nil, err
        }
        dev.pending = false
    }

    if err := b.link.SetReadTimeout(linkTimeout(dev.addr.Timeout)); err != nil {
        return nil, err
    }

    buf := make([]byte, maxLen)
    n := 0
    for n < maxLen {
        m, err := b.ctrl.Read(buf[n:])
        if m > 0 && n == 0 {
            if err := b.link.SetReadTimeout(b.idleGap); err != nil {
                return nil, err
            }
        }
        n += m
        if err != nil {
            if errors.Is(err, io.EOF) && n > 0 {
                break
            }
            return nil, err
        }
        if m == 0 {
            break
        }
    }

    if n == 0 {
        return nil, ErrTimeout
    }
    b.log.Debugf("GPIB读取 [%d]: %d/%d 字节", h, n, maxLen)
    return buf[:n], nil
}

// Shutdown 无论是否仍有Handle都关闭控制器连接
func (b *PrologixBus) Shutdown() error {
    b.mu.Lock()
    defer b.mu.Unlock()

    b.devices = make(map[Handle]*device)
    b.current = -1
    return b.closeLink()
}

// drain 清空接收缓冲, 再读取直到链路空闲 idleGap
func (b *PrologixBus) drain(h Handle) error {
    if err := b.link.ResetInputBuffer(); err != nil {
        return err
    }
    if err := b.link.SetReadTimeout(b.idleGap); err != nil {
        return err
    }

    buf := make([]byte, drainChunk)
    dropped := 0
    for {
        n, err := b.link.Read(buf)
        dropped += n
        if err != nil && !errors.Is(err, io.EOF) {
            return err
        }
        if n == 0 || err != nil {
            break
        }
        if dropped >= maxDrainBytes {
            return fmt.Errorf("gpib: 清除后仍在接收数据, 已丢弃 %d 字节", dropped)
        }
    }

    if dropped > 0 {
        b.log.Debugf("GPIB清除 [%d]: 丢弃 %d 字节残留数据", h, dropped)
    }
    return nil
}

func (b *PrologixBus) connect(addr Address) error {
    if b.link != nil {
        return nil
    }

    l, err := b.dial()
    if err != nil {
        return fmt.Errorf("gpib: 打开控制器失败: %w", err)
    }

    ctrl, err := prologix.NewController(l, addr.Primary, false)
    if err != nil {
        l.Close()
        return fmt.Errorf("gpib: 配置控制器失败: %w", err)
    }

    // 二进制块中可能出现任意字节, 不再追加EOT字符
    if err := ctrl.CommandController("eot_enable 0"); err != nil {
        l.Close()
        return fmt.Errorf("gpib: 配置控制器失败: %w", err)
    }

    b.link = l
    b.ctrl = ctrl
    b.current = -1
    b.log.Info("Prologix控制器连接成功")
    return nil
}

// selectDevice 必要时切换控制器的寻址参数
func (b *PrologixBus) selectDevice(h Handle) (*device, error) {
    dev, ok := b.devices[h]
    if !ok {
        return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
    }
    if b.ctrl == nil {
        return nil, ErrClosed
    }
    if b.current == h {
        return dev, nil
    }

    if err := configureAddress(b.ctrl, dev.addr); err != nil {
        b.current = -1
        return nil, err
    }
    b.current = h
    return dev, nil
}

func (b *PrologixBus) closeIfIdle() error {
    if len(b.devices) > 0 {
        return nil
    }
    return b.closeLink()
}

func (b *PrologixBus) closeLink() error {
    if b.link == nil {
        return nil
    }
    err := b.link.Close()
    b.link = nil
    b.ctrl = nil
    b.log.Info("Prologix控制器连接已关闭")
    return err
}

// configureAddress 把控制器切换到设备的地址、EOI、EOS和读取超时
func configureAddress(ctrl *prologix.Controller, addr Address) error {
    if addr.Secondary != 0 {
        // SetInstrumentAddress 只支持主地址
        if err := ctrl.CommandController(fmt.Sprintf("addr %d %d", addr.Primary, addr.Secondary)); err != nil {
            return err
        }
    } else if err := ctrl.SetInstrumentAddress(addr.Primary); err != nil {
        return err
    }
    if err := ctrl.SetAssertEOI(addr.SendEOI); err != nil {
        return err
    }
    if err := ctrl.SetGPIBTermination(prologixEOS(addr.EOS)); err != nil {
        return err
    }
    return ctrl.SetReadTimeout(readTimeoutMs(addr.Timeout))
}

func prologixEOS(t Terminator) prologix.GpibTerm {
    switch t {
    case TermCRLF:
        return prologix.AppendCRLF
    case TermCR:
        return prologix.AppendCR
    case TermLF:
        return prologix.AppendLF
    default:
        return prologix.AppendNothing
    }
}

func readTimeoutMs(c TimeoutCode) int {
    d := c.Duration()
    if d <= 0 {
        return maxReadTimeoutMs
    }
    ms := int(d / time.Millisecond)
    if ms < minReadTimeoutMs {
        return minReadTimeoutMs
    }
    if ms > maxReadTimeoutMs {
        return maxReadTimeoutMs
    }
    return ms
}

func linkTimeout(c TimeoutCode) time.Duration {
    d := c.Duration()
    if d <= 0 {
        return serial.NoTimeout
    }
    return d
}

// escape 转义数据中的控制字符并追加一个LF
func escape(p []byte) []byte {
    if n := len(p); n > 0 && p[n-1] == '\n' {
        p = p[:n-1]
    }
    out := make([]byte, 0, len(p)+2)
    for _, c := range p {
        switch c {
        case '\r', '\n', escByte, plusByte:
            out = append(out, escByte)
        }
        out = append(out, c)
    }
    return append(out, '\n')
}

// tcpLink 为 GPIB-ETHERNET 控制器提供与串口一致的超时语义:
// 超时返回 (0, nil)
type tcpLink struct {
    net.Conn
    timeout time.Duration
}

func (l *tcpLink) SetReadTimeout(d time.Duration) error {
    l.timeout = d
    return nil
}

// ResetInputBuffer TCP 没有可丢弃的本地缓冲, 残留数据由 drain 读出
func (l *tcpLink) ResetInputBuffer() error {
    return nil
}

func (l *tcpLink) Read(p []byte) (int, error) {
    deadline := time.Time{}
    if l.timeout > 0 {
        deadline = time.Now().Add(l.timeout)
    }
    if err := l.Conn.SetReadDeadline(deadline); err != nil {
        return 0, err
    }
    n, err := l.Conn.Read(p)
    var netErr net.Error
    if errors.As(err, &netErr) && netErr.Timeout() {
        return n, nil
    }
    return n, err
}
