package testutil

import "time"

// ControlWrite records a set_controls request for verification
type ControlWrite struct {
	Timestamp time.Time
	Controls  map[string]interface{}
}

// FilterControlWrites returns the writes that set the given field
func FilterControlWrites(writes []ControlWrite, field string) []ControlWrite {
	var filtered []ControlWrite
	for _, w := range writes {
		if _, ok := w.Controls[field]; ok {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

// FindControlWrite finds the most recent write that set field to value
func FindControlWrite(writes []ControlWrite, field string, value interface{}) *ControlWrite {
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		if val, ok := w.Controls[field]; ok && val == value {
			return &w
		}
	}
	return nil
}
