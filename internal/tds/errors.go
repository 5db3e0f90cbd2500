package tds

import (
    "errors"
    "fmt"
    "strings"
)

var (
    ErrUnexpectedReply = errors.New("tds: unexpected reply")
    ErrBusyTimeout     = errors.New("tds: instrument still busy")
    ErrSeveralSources  = errors.New("tds: more than one data source selected")
)

// ValidationError 参数不在允许范围内, 命令未发送
type ValidationError struct {
    Op      string
    Value   string
    Allowed []string
}

func (e *ValidationError) Error() string {
    if len(e.Allowed) == 0 {
        return fmt.Sprintf("%s: 无效参数 %q", e.Op, e.Value)
    }
    return fmt.Sprintf("%s: 无效参数 %q (可选: %s)", e.Op, e.Value, strings.Join(e.Allowed, ", "))
}
