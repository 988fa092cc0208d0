package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONMap is an opaque key/value bag (theme, language, ...) persisted as jsonb.
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("jsonmap: unsupported source type")
	}
}
