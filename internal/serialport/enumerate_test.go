package serialport

import "testing"

func TestFilterArduino(t *testing.T) {
	ports := []PortInfo{
		{Device: "/dev/ttyS0", IsUSB: false},
		{Device: "/dev/ttyACM0", IsUSB: true, VID: "2341", Product: "Arduino Uno"},
		{Device: "/dev/ttyUSB0", IsUSB: true, VID: "1A86", Product: "USB Serial"},
		{Device: "/dev/ttyUSB1", IsUSB: true, VID: "DEAD"},
	}
	got := FilterArduino(ports)
	if len(got) != 2 {
		t.Fatalf("expected 2 arduino-like ports, got %d", len(got))
	}
	if got[0].Device != "/dev/ttyACM0" || got[1].Device != "/dev/ttyUSB0" {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}

func TestFilterArduino_LowercaseVID(t *testing.T) {
	// Linux 上 enumerator 报告小写 VID，不能因大小写漏掉 CH340 克隆板
	ports := []PortInfo{
		{Device: "/dev/ttyACM0", IsUSB: true, VID: "2341"},
		{Device: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", Product: "USB Serial"},
		{Device: "/dev/ttyUSB1", IsUSB: true, VID: "0403"},
	}
	got := FilterArduino(ports)
	if len(got) != 3 {
		t.Fatalf("expected 3 arduino-like ports, got %d: %+v", len(got), got)
	}
}

func TestFilterArduino_NoMatchReturnsAll(t *testing.T) {
	ports := []PortInfo{
		{Device: "/dev/ttyS0", IsUSB: false},
		{Device: "/dev/ttyS1", IsUSB: false},
	}
	if got := FilterArduino(ports); len(got) != len(ports) {
		t.Fatalf("expected passthrough, got %d ports", len(got))
	}
}
