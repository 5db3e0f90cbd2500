package instrument

import (
    "fmt"
    "strings"

    "github.com/sirupsen/logrus"

    "github.com/hewittc/mrgpib/internal/gpib"
    "github.com/hewittc/mrgpib/internal/monitor"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

// Session 持有一个总线Handle. 同一时间只允许一个未完成的请求/响应,
// 并发调用方必须自行串行化.
type Session struct {
    bus    gpib.Bus
    handle gpib.Handle
    target string
    owned  bool
    closed bool
    log    *logrus.Logger
}

// Open 按目标打开设备, 失败时返回 ConnectionError 且不泄漏Handle
func Open(bus gpib.Bus, target Target, log *logrus.Logger) (*Session, error) {
    if err := target.Validate(); err != nil {
        return nil, &ConnectionError{Target: target.String(), Err: err}
    }

    h, err := target.open(bus)
    if err != nil {
        monitor.TransportErrors.WithLabelValues("open").Inc()
        return nil, &ConnectionError{Target: target.String(), Err: err}
    }

    monitor.OpenSessions.Inc()
    log.Infof("设备已连接: %s (handle=%d)", target, h)

    return &Session{
        bus:    bus,
        handle: h,
        target: target.String(),
        owned:  true,
        log:    log,
    }, nil
}

// Attach 包装外部已打开的Handle, 会话不负责释放它
func Attach(bus gpib.Bus, h gpib.Handle, log *logrus.Logger) *Session {
    return &Session{
        bus:    bus,
        handle: h,
        target: fmt.Sprintf("handle:%d", h),
        log:    log,
    }
}

// WithSession 在作用域内打开会话, 任何退出路径都会关闭
func WithSession(bus gpib.Bus, target Target, log *logrus.Logger, fn func(*Session) error) (err error) {
    s, err := Open(bus, target, log)
    if err != nil {
        return err
    }
    defer func() {
        if cerr := s.Close(); cerr != nil && err == nil {
            err = cerr
        }
    }()
    return fn(s)
}

// Handle 底层总线Handle
func (s *Session) Handle() gpib.Handle {
    return s.handle
}

// Target 打开时使用的目标
func (s *Session) Target() string {
    return s.target
}

// Owned 会话是否负责释放Handle
func (s *Session) Owned() bool {
    return s.owned
}

// Close 只释放一次, 且只释放自己打开的Handle
func (s *Session) Close() error {
    if s.closed {
        return nil
    }
    s.closed = true
    if !s.owned {
        return nil
    }

    monitor.OpenSessions.Dec()
    if err := s.bus.Close(s.handle); err != nil {
        monitor.TransportErrors.WithLabelValues("close").Inc()
        return &TransportError{Op: "close", Target: s.target, Err: err}
    }
    s.log.Infof("设备连接关闭: %s", s.target)
    return nil
}

// Clear 发送设备清除, 可重复调用
func (s *Session) Clear() error {
    if s.closed {
        return &TransportError{Op: "clear", Target: s.target, Err: ErrSessionClosed}
    }
    if err := s.bus.Clear(s.handle); err != nil {
        monitor.TransportErrors.WithLabelValues("clear").Inc()
        return &TransportError{Op: "clear", Target: s.target, Err: err}
    }
    s.log.Debugf("设备已清除: %s", s.target)
    return nil
}

// WriteCommand 发送原始ASCII命令
func (s *Session) WriteCommand(cmd string) error {
    if s.closed {
        return &TransportError{Op: "write", Target: s.target, Err: ErrSessionClosed}
    }
    if err := s.bus.Write(s.handle, []byte(cmd)); err != nil {
        monitor.TransportErrors.WithLabelValues("write").Inc()
        return &TransportError{Op: "write", Target: s.target, Err: err}
    }
    monitor.BytesWritten.Add(float64(len(cmd)))
    s.log.Debugf("发送命令 [%s]: %s", s.target, cmd)
    return nil
}

// ReadResponse 读取最多 maxLen 字节, 不保证是完整消息
func (s *Session) ReadResponse(maxLen int) ([]byte, error) {
    if maxLen <= 0 {
        maxLen = protocol.DefaultReadLen
    }
    if s.closed {
        return nil, &TransportError{Op: "read", Target: s.target, Err: ErrSessionClosed}
    }
    data, err := s.bus.Read(s.handle, maxLen)
    if err != nil {
        monitor.TransportErrors.WithLabelValues("read").Inc()
        return nil, &TransportError{Op: "read", Target: s.target, Err: err}
    }
    monitor.BytesReceived.Add(float64(len(data)))
    return data, nil
}

// Query 写入查询并返回去除空白的单行应答
func (s *Session) Query(cmd string) (string, error) {
    if err := s.WriteCommand(cmd); err != nil {
        return "", err
    }
    data, err := s.ReadResponse(protocol.DefaultReadLen)
    if err != nil {
        return "", err
    }
    return strings.TrimSpace(string(data)), nil
}
