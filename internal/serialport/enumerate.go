package serialport

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo 枚举到的串口信息
type PortInfo struct {
	Device       string `json:"device"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// 常见 Arduino 及 USB 转串芯片的 VID
var arduinoVIDs = map[string]bool{
	"2341": true, // Arduino
	"2A03": true, // Arduino (旧 Genuino)
	"1A86": true, // CH340/CH341
	"10C4": true, // CP210x
	"0403": true, // FTDI
	"067B": true, // Prolific
}

// List 枚举本机全部串口
func List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Device:       d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}

// FilterArduino 过滤出疑似 Arduino 设备；没有任何匹配时返回原列表，
// 避免把接了非典型转接芯片的板子过滤掉。
func FilterArduino(ports []PortInfo) []PortInfo {
	filtered := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		// Linux 下 enumerator 报告小写 VID，统一大写后匹配
		if p.IsUSB && arduinoVIDs[strings.ToUpper(p.VID)] {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return ports
	}
	return filtered
}
