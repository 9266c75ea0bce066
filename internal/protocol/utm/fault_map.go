package utm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FaultMap 固件故障码 -> 描述文本的映射，可由 YAML 覆盖内置默认表
type FaultMap struct {
	Map map[int]string `yaml:"map"`
}

// DefaultFaultMap 返回内置默认故障码表
func DefaultFaultMap() *FaultMap {
	return &FaultMap{
		Map: map[int]string{
			0:  "ok",
			1:  "load cell overrange",        // 载荷传感器超量程
			2:  "position limit hit",         // 行程限位触发
			3:  "motor stall detected",       // 电机堵转
			4:  "load cell read failure",     // 载荷读数异常
			5:  "encoder read failure",       // 编码器读数异常
			6:  "emergency stop engaged",     // 急停按钮按下
			7:  "overcurrent protection",     // 过流保护
			8:  "supply undervoltage",        // 欠压
			9:  "controller overtemperature", // 控制板过温
			10: "invalid command",            // 固件收到非法指令
		},
	}
}

// LoadFaultMap 从 YAML 文件加载故障码表
func LoadFaultMap(path string) (*FaultMap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fault map: %w", err)
	}
	var m FaultMap
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal fault map: %w", err)
	}
	if m.Map == nil {
		m.Map = make(map[int]string)
	}
	return &m, nil
}

// Describe 返回故障码描述，未知码返回通用文本
func (m *FaultMap) Describe(code int) string {
	if m != nil && m.Map != nil {
		if s, ok := m.Map[code]; ok {
			return s
		}
	}
	return fmt.Sprintf("unknown fault 0x%02X", code)
}
