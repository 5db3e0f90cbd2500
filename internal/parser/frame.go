package parser

import (
    "encoding/binary"
    "fmt"
    "strconv"

    "github.com/hewittc/mrgpib/pkg/protocol"
)

// EncodeSamples 把样本编码为负载字节
func EncodeSamples(samples []int, enc protocol.Encoding, width protocol.SampleWidth) ([]byte, error) {
    if !enc.IsBinary() {
        return nil, fmt.Errorf("%w: %s", ErrEncoding, enc)
    }
    if !width.Valid() {
        return nil, fmt.Errorf("%w: %d", ErrWidth, int(width))
    }

    var order binary.ByteOrder = binary.BigEndian
    if enc.LittleEndian() {
        order = binary.LittleEndian
    }
    min, max := width.Range(enc.Signed())

    w := int(width)
    payload := make([]byte, len(samples)*w)
    for i, v := range samples {
        if v < min || v > max {
            return nil, fmt.Errorf("%w: %d 不在 [%d, %d]", ErrSampleRange, v, min, max)
        }
        b := payload[i*w : (i+1)*w]
        switch width {
        case protocol.Width1:
            b[0] = byte(v)
        case protocol.Width2:
            order.PutUint16(b, uint16(v))
        }
    }
    return payload, nil
}

// EncodeFrame 生成 [x][y][负载][LF], 与 CURVe? 的二进制应答格式一致 (不含 '#')
func EncodeFrame(samples []int, enc protocol.Encoding, width protocol.SampleWidth) ([]byte, error) {
    payload, err := EncodeSamples(samples, enc, width)
    if err != nil {
        return nil, err
    }
    return FramePayload(payload)
}

// EncodeBlock 生成带 '#' 的 IEEE-488.2 定长块
func EncodeBlock(samples []int, enc protocol.Encoding, width protocol.SampleWidth) ([]byte, error) {
    frame, err := EncodeFrame(samples, enc, width)
    if err != nil {
        return nil, err
    }
    return append([]byte{protocol.BlockStart}, frame...), nil
}

// FramePayload 为任意负载加上长度头和终止符
func FramePayload(payload []byte) ([]byte, error) {
    digits := strconv.Itoa(len(payload))
    if len(digits) > 9 {
        return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(payload))
    }
    frame := make([]byte, 0, 1+len(digits)+len(payload)+1)
    frame = append(frame, byte('0'+len(digits)))
    frame = append(frame, digits...)
    frame = append(frame, payload...)
    return append(frame, protocol.Terminator), nil
}

// MessageComplete 报告 buf 是否以终止符结束且不在 '#' 定长块内.
// 引号内的 '#' 不是块起始.
func MessageComplete(buf []byte) bool {
    quoted := false
    for i := 0; i < len(buf); i++ {
        c := buf[i]
        switch {
        case c == '"':
            quoted = !quoted
        case quoted:
        case c == protocol.BlockStart:
            if i+1 >= len(buf) {
                return false
            }
            if buf[i+1] < '1' || buf[i+1] > '9' {
                continue
            }
            x := int(buf[i+1] - '0')
            if i+2+x > len(buf) {
                return false
            }
            y, err := parseDigits(buf[i+2 : i+2+x])
            if err != nil {
                continue
            }
            end := i + 2 + x + y
            if end >= len(buf) {
                return false
            }
            i = end - 1
        case c == protocol.Terminator && i == len(buf)-1:
            return true
        }
    }
    return false
}
