// Package gpibtest 内存中的 gpib.Bus, 设备按脚本应答
package gpibtest

import (
    "fmt"
    "strings"
    "sync"

    "github.com/hewittc/mrgpib/internal/gpib"
)

// Device 一台脚本化的仪器. 输出是消息队列, 一次读取最多返回当前消息的
// maxLen 字节 (GPIB读取在EOI处结束), ChunkLimit 可进一步限制.
type Device struct {
    Addr gpib.Address

    // 写入的命令 (去空白, 不区分大小写) 对应入队的应答
    Replies map[string][]byte

    // 单次读取的字节上限, 0 表示不限
    ChunkLimit int

    WriteErr error
    ReadErr  error
    ClearErr error

    Writes  []string
    Reads   []int // 每次读取的 maxLen
    Cleared int

    output [][]byte
}

// Queue 追加输出消息
func (d *Device) Queue(msgs ...[]byte) {
    for _, m := range msgs {
        d.output = append(d.output, append([]byte(nil), m...))
    }
}

// Pending 尚未读取的字节数
func (d *Device) Pending() int {
    n := 0
    for _, m := range d.output {
        n += len(m)
    }
    return n
}

func (d *Device) read(maxLen int) []byte {
    for len(d.output) > 0 && len(d.output[0]) == 0 {
        d.output = d.output[1:]
    }
    if len(d.output) == 0 {
        return nil
    }
    n := maxLen
    if d.ChunkLimit > 0 && d.ChunkLimit < n {
        n = d.ChunkLimit
    }
    msg := d.output[0]
    if n > len(msg) {
        n = len(msg)
    }
    out := append([]byte(nil), msg[:n]...)
    d.output[0] = msg[n:]
    return out
}

// Bus 由脚本化设备组成的总线
type Bus struct {
    mu sync.Mutex

    Aliases map[string]gpib.Address
    // 按主地址索引, 没有设备的地址无法打开
    Devices map[int]*Device
    OpenErr error

    handles map[gpib.Handle]*Device
    next    gpib.Handle
    Opened  int
    Closed  []gpib.Handle
}

func NewBus() *Bus {
    return &Bus{
        Aliases: map[string]gpib.Address{},
        Devices: map[int]*Device{},
        handles: map[gpib.Handle]*Device{},
        next:    1,
    }
}

// AddDevice 在主地址上注册设备, alias 非空时同时注册别名
func (b *Bus) AddDevice(alias string, primary int) *Device {
    b.mu.Lock()
    defer b.mu.Unlock()

    addr := gpib.DefaultAddress(primary)
    d := &Device{Addr: addr, Replies: map[string][]byte{}}
    b.Devices[primary] = d
    if alias != "" {
        b.Aliases[alias] = addr
    }
    return d
}

// Open 当前打开的Handle数
func (b *Bus) Open() int {
    b.mu.Lock()
    defer b.mu.Unlock()
    return len(b.handles)
}

func (b *Bus) OpenByAlias(alias string) (gpib.Handle, error) {
    b.mu.Lock()
    addr, ok := b.Aliases[alias]
    b.mu.Unlock()
    if !ok {
        return 0, fmt.Errorf("%w: %q", gpib.ErrUnknownAlias, alias)
    }
    return b.OpenByAddress(addr)
}

func (b *Bus) OpenByAddress(addr gpib.Address) (gpib.Handle, error) {
    if err := addr.Validate(); err != nil {
        return 0, err
    }

    b.mu.Lock()
    defer b.mu.Unlock()

    if b.OpenErr != nil {
        return 0, b.OpenErr
    }
    d, ok := b.Devices[addr.Primary]
    if !ok {
        return 0, fmt.Errorf("gpibtest: no device at %s", addr)
    }
    h := b.next
    b.next++
    b.handles[h] = d
    b.Opened++
    return h, nil
}

func (b *Bus) Close(h gpib.Handle) error {
    b.mu.Lock()
    defer b.mu.Unlock()

    if _, ok := b.handles[h]; !ok {
        return fmt.Errorf("%w: %d", gpib.ErrUnknownHandle, h)
    }
    delete(b.handles, h)
    b.Closed = append(b.Closed, h)
    return nil
}

func (b *Bus) Clear(h gpib.Handle) error {
    b.mu.Lock()
    defer b.mu.Unlock()

    d, err := b.device(h)
    if err != nil {
        return err
    }
    if d.ClearErr != nil {
        return d.ClearErr
    }
    d.Cleared++
    d.output = nil
    return nil
}

func (b *Bus) Write(h gpib.Handle, p []byte) error {
    b.mu.Lock()
    defer b.mu.Unlock()

    d, err := b.device(h)
    if err != nil {
        return err
    }
    if d.WriteErr != nil {
        return d.WriteErr
    }
    cmd := string(p)
    d.Writes = append(d.Writes, cmd)
    if reply, ok := d.Replies[normalize(cmd)]; ok {
        d.Queue(reply)
    }
    return nil
}

func (b *Bus) Read(h gpib.Handle, maxLen int) ([]byte, error) {
    b.mu.Lock()
    defer b.mu.Unlock()

    d, err := b.device(h)
    if err != nil {
        return nil, err
    }
    d.Reads = append(d.Reads, maxLen)
    if d.ReadErr != nil {
        return nil, d.ReadErr
    }
    out := d.read(maxLen)
    if out == nil {
        return nil, gpib.ErrTimeout
    }
    return out, nil
}

func (b *Bus) device(h gpib.Handle) (*Device, error) {
    d, ok := b.handles[h]
    if !ok {
        return nil, fmt.Errorf("%w: %d", gpib.ErrUnknownHandle, h)
    }
    return d, nil
}

// Reply 为命令注册应答
func (d *Device) Reply(cmd string, reply string) {
    d.Replies[normalize(cmd)] = []byte(reply)
}

// ReplyBytes 为命令注册二进制应答
func (d *Device) ReplyBytes(cmd string, reply []byte) {
    d.Replies[normalize(cmd)] = append([]byte(nil), reply...)
}

func normalize(cmd string) string {
    return strings.ToUpper(strings.TrimSpace(cmd))
}
