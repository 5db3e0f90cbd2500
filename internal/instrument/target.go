package instrument

import (
    "fmt"
    "strconv"
    "strings"

    "github.com/hewittc/mrgpib/internal/gpib"
)

// Target 设备的解析方式: 别名或显式地址, 二者只能取其一
type Target struct {
    Alias   string
    Address *gpib.Address
}

// AliasTarget 按别名查找
func AliasTarget(alias string) Target {
    return Target{Alias: alias}
}

// AddressTarget 按主/次地址打开
func AddressTarget(addr gpib.Address) Target {
    return Target{Address: &addr}
}

// ParseTarget "5" 或 "5,96" 解析为地址, 其余按别名处理
func ParseTarget(s string) (Target, error) {
    s = strings.TrimSpace(s)
    if s == "" {
        return Target{}, fmt.Errorf("%w: 空目标", ErrInvalidTarget)
    }

    parts := strings.Split(s, ",")
    if len(parts) > 2 {
        return AliasTarget(s), nil
    }
    primary, err := strconv.Atoi(strings.TrimSpace(parts[0]))
    if err != nil {
        return AliasTarget(s), nil
    }
    addr := gpib.DefaultAddress(primary)
    if len(parts) == 2 {
        secondary, err := strconv.Atoi(strings.TrimSpace(parts[1]))
        if err != nil {
            return Target{}, fmt.Errorf("%w: 次地址 %q", ErrInvalidTarget, parts[1])
        }
        addr.Secondary = secondary
    }
    return AddressTarget(addr), nil
}

// Validate 保证只使用一种解析方式
func (t Target) Validate() error {
    switch {
    case t.Alias != "" && t.Address != nil:
        return fmt.Errorf("%w: 不能同时指定别名和地址", ErrInvalidTarget)
    case t.Alias == "" && t.Address == nil:
        return fmt.Errorf("%w: 未指定别名或地址", ErrInvalidTarget)
    }
    return nil
}

func (t Target) String() string {
    if t.Address != nil {
        return "gpib:" + t.Address.String()
    }
    return t.Alias
}

func (t Target) open(bus gpib.Bus) (gpib.Handle, error) {
    if t.Address != nil {
        return bus.OpenByAddress(*t.Address)
    }
    return bus.OpenByAlias(t.Alias)
}
