package instrument

import (
    "errors"
    "fmt"
)

var (
    ErrSessionClosed = errors.New("instrument: session closed")
    ErrInvalidTarget = errors.New("instrument: invalid target")
)

// ConnectionError 打开设备失败, 对本次尝试是致命的
type ConnectionError struct {
    Target string
    Err    error
}

func (e *ConnectionError) Error() string {
    return fmt.Sprintf("无法打开设备 (%s): %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
    return e.Err
}

// TransportError 会话中途读写失败, 会话在 Clear 之前可能不可用
type TransportError struct {
    Op     string
    Target string
    Err    error
}

func (e *TransportError) Error() string {
    return fmt.Sprintf("%s 失败 (%s): %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
    return e.Err
}
