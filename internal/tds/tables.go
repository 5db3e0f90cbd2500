package tds

import (
    "strings"

    "github.com/hewittc/mrgpib/pkg/protocol"
)

// SupportedDevices 支持的TDS型号
var SupportedDevices = []string{
    "410", "420", "460",
    "520A", "524A", "540A", "544A",
    "620A", "640A", "644A", "684A",
    "744A", "784A",
}

// Sources CURVe? 可传输的波形来源, 仪器总是按此顺序传输
var Sources = []string{
    "CH1", "CH2", "CH3", "CH4",
    "MATH1", "MATH2", "MATH3",
    "REF1", "REF2", "REF3", "REF4",
}

// HardcopyFormats HARDCopy:FORMat 的取值
var HardcopyFormats = []string{
    "BMP", "BMPColor",
    "DESKjet",
    "DPU411", "DPU412",
    "EPSColor", "EPSMono", "EPSOn",
    "HPGl",
    "INTERLeaf",
    "LASERJet",
    "PCX", "PCXcolor",
    "RLE",
    "THInkjet",
    "TIFf",
}

// lookup 按关键字规则在表中查找, 返回表中的规范写法
func lookup(table []string, s string) (string, bool) {
    for _, m := range table {
        if protocol.MatchKeyword(m, s) {
            return m, true
        }
    }
    return "", false
}

// Model 从 *IDN? 应答中取出型号, 如 "TEKTRONIX,TDS 540A,0,..." 得到 "540A"
func Model(identity string) string {
    fields := strings.Split(identity, ",")
    if len(fields) < 2 {
        return ""
    }
    model := strings.TrimSpace(fields[1])
    model = strings.TrimPrefix(strings.ToUpper(model), "TDS")
    return strings.TrimSpace(model)
}

// Supported 型号是否在支持列表中
func Supported(identity string) bool {
    model := Model(identity)
    for _, m := range SupportedDevices {
        if m == model {
            return true
        }
    }
    return false
}
