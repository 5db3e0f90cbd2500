package main

import (
    "encoding/hex"
    "flag"
    "fmt"
    "math"
    "math/rand"
    "os"
    "strings"
    "time"

    "github.com/hewittc/mrgpib/internal/parser"
    "github.com/hewittc/mrgpib/pkg/protocol"
)

func main() {
    encName := flag.String("encoding", "SRIbinary", "数据编码 (RIBinary, RPBinary, SRIbinary, SRPbinary)")
    width := flag.Int("width", 1, "样本宽度 (1 或 2)")
    points := flag.Int("points", 16, "每帧样本数")
    shape := flag.String("shape", "sine", "波形 (sine, ramp, random)")
    block := flag.Bool("block", true, "带 '#' 前缀 (仪器实际应答)")
    count := flag.Int("count", 1, "生成数量")
    flag.Parse()

    enc, err := protocol.ParseEncoding(*encName)
    if err != nil || !enc.IsBinary() {
        fmt.Fprintf(os.Stderr, "无效编码: %s\n", *encName)
        os.Exit(1)
    }
    w := protocol.SampleWidth(*width)
    if !w.Valid() {
        fmt.Fprintf(os.Stderr, "无效宽度: %d\n", *width)
        os.Exit(1)
    }

    rng := rand.New(rand.NewSource(time.Now().UnixNano()))

    for i := 0; i < *count; i++ {
        samples := generateSamples(*shape, *points, enc, w, rng)

        var frame []byte
        if *block {
            frame, err = parser.EncodeBlock(samples, enc, w)
        } else {
            frame, err = parser.EncodeFrame(samples, enc, w)
        }
        if err != nil {
            fmt.Fprintf(os.Stderr, "生成失败: %v\n", err)
            os.Exit(1)
        }

        fmt.Printf("帧 %d (%s, 宽度 %d, %d 点):\n", i+1, enc, w, len(samples))
        fmt.Printf("  十六进制: %s\n", hex.EncodeToString(frame))
        fmt.Printf("  字节数组: % x\n", frame)
        fmt.Printf("  Go格式:   []byte{%s}\n", toGoArray(frame))
        parseAndDisplay(frame, enc, w)
        fmt.Println()
    }
}

// generateSamples 在编码的取值范围内生成样本
func generateSamples(shape string, n int, enc protocol.Encoding, w protocol.SampleWidth, rng *rand.Rand) []int {
    min, max := w.Range(enc.Signed())
    mid := float64(min+max) / 2
    amp := float64(max-min) / 2

    samples := make([]int, n)
    for i := range samples {
        var v float64
        switch shape {
        case "ramp":
            v = float64(min) + float64(max-min)*float64(i)/float64(maxInt(n-1, 1))
        case "random":
            v = float64(min + rng.Intn(max-min+1))
        default: // 正弦, 一个周期
            v = mid + amp*math.Sin(2*math.Pi*float64(i)/float64(n))
        }
        samples[i] = clamp(int(math.Round(v)), min, max)
    }
    return samples
}

// frameReader 把整帧当作一次GPIB应答, 每次最多返回 maxLen 字节
type frameReader struct {
    data []byte
}

func (r *frameReader) ReadResponse(maxLen int) ([]byte, error) {
    if maxLen > len(r.data) {
        maxLen = len(r.data)
    }
    out := r.data[:maxLen]
    r.data = r.data[maxLen:]
    return out, nil
}

// parseAndDisplay 用解码器读回生成的帧
func parseAndDisplay(frame []byte, enc protocol.Encoding, w protocol.SampleWidth) {
    curve, err := parser.NewParser().ReadCurve(&frameReader{data: frame}, enc, w)
    if err != nil {
        fmt.Printf("  错误: %v\n", err)
        return
    }

    values := make([]string, len(curve.Samples))
    for i, v := range curve.Samples {
        values[i] = fmt.Sprintf("%d", v)
    }
    fmt.Printf("  解析结果:\n")
    fmt.Printf("    头长度:   %c\n", curve.Header.HeaderLengthDigitCount)
    fmt.Printf("    字节数:   %d\n", curve.Header.DeclaredByteCount)
    fmt.Printf("    样本:     %s\n", strings.Join(values, ","))
}

func toGoArray(data []byte) string {
    parts := make([]string, len(data))
    for i, b := range data {
        parts[i] = fmt.Sprintf("0x%02X", b)
    }
    return strings.Join(parts, ", ")
}

func clamp(v, min, max int) int {
    if v < min {
        return min
    }
    if v > max {
        return max
    }
    return v
}

func maxInt(a, b int) int {
    if a > b {
        return a
    }
    return b
}
