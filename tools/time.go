package tools

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Time 自定义时间类型，基于 time.Time，用于 GORM 与 JSON 序列化
type Time time.Time

// 数据库里可能出现的字符串格式（mysql DATETIME、sqlite 默认格式、RFC3339）
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// Now 截断到毫秒，mysql DATETIME(3) 与 sqlite 读回来一致
func Now() Time { return Time(time.Now().Truncate(time.Millisecond)) }

// Scan 实现 sql.Scanner，供 GORM 从数据库读取
func (t *Time) Scan(value interface{}) error {
	if value == nil {
		*t = Time{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*t = Time(v)
		return nil
	case []byte:
		parsed, err := parseTime(string(v))
		if err != nil {
			return err
		}
		*t = Time(parsed)
		return nil
	case string:
		parsed, err := parseTime(v)
		if err != nil {
			return err
		}
		*t = Time(parsed)
		return nil
	default:
		return fmt.Errorf("tools.Time: cannot scan %T", value)
	}
}

// Value 实现 driver.Valuer，供 GORM 写入数据库
func (t Time) Value() (driver.Value, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return nil, nil
	}
	return tt, nil
}

// MarshalJSON 实现 json.Marshaler，统一输出为 RFC3339（带毫秒）
func (t Time) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(tt.Format(time.RFC3339Nano))
}

// UnmarshalJSON 实现 json.Unmarshaler
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" || s == "null" {
		*t = Time{}
		return nil
	}
	parsed, err := parseTime(s)
	if err != nil {
		return err
	}
	*t = Time(parsed)
	return nil
}

// ToTime 转为标准库 time.Time
func (t Time) ToTime() time.Time { return time.Time(t) }

// FromTime 从标准库 time.Time 构造
func FromTime(tt time.Time) Time { return Time(tt) }

func (t Time) IsZero() bool { return time.Time(t).IsZero() }
