package model

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Severity 标签严重级别，取值有限且全序: Error > Warning > Info > Metadata
type Severity int

const (
	SeverityMetadata Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

var severityNames = map[Severity]string{
	SeverityMetadata: "Metadata",
	SeverityInfo:     "Info",
	SeverityWarning:  "Warning",
	SeverityError:    "Error",
}

// Severities 按严重程度从高到低
var Severities = []Severity{SeverityError, SeverityWarning, SeverityInfo, SeverityMetadata}

// ParseSeverity 解析严重级别(大小写不敏感)
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return sev, nil
		}
	}
	return SeverityMetadata, fmt.Errorf("unknown severity %q (want Error, Warning, Info or Metadata)", s)
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Rank 排序权重，越大越重要
func (s Severity) Rank() int {
	return int(s)
}

// MarshalText 序列化为名称
func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 从名称反序列化
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value 以名称写入数据库
func (s Severity) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan 从数据库读取
func (s *Severity) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case int64:
		*s = Severity(v)
		return nil
	case nil:
		*s = SeverityMetadata
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Severity", value)
	}
}

// Field 标签匹配的文本来源
type Field string

const (
	FieldConsole Field = "Console" // 控制台日志
	FieldRunName Field = "RunName" // 运行名称(平台/编译器等信息)
)

// ParseField 解析文本来源(大小写不敏感)
func ParseField(s string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "console":
		return FieldConsole, nil
	case "runname", "run_name":
		return FieldRunName, nil
	default:
		return "", fmt.Errorf("unknown tag source %q (want Console or RunName)", s)
	}
}
