package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidateRecord checks an untyped JSON object against the task schema.
// Numbers must have been decoded with UseNumber or as float64.
func ValidateRecord(obj map[string]interface{}) error {
	id, ok := obj["task_id"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: task_id must be a non-empty string", ErrInvalidTask)
	}
	status, ok := obj["status"].(string)
	if !ok || strings.TrimSpace(status) == "" {
		return fmt.Errorf("%w: task %s: status must be a non-empty string", ErrInvalidTask, id)
	}
	if v, present := obj["description"]; present && v != nil {
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: task %s: description must be a string", ErrInvalidTask, id)
		}
	}
	if v, present := obj["metadata"]; present && v != nil {
		if _, ok := v.(map[string]interface{}); !ok {
			return fmt.Errorf("%w: task %s: metadata must be an object", ErrInvalidTask, id)
		}
	}
	if v, present := obj["retry_count"]; present && v != nil {
		n, ok := asInt(v)
		if !ok || n < 0 {
			return fmt.Errorf("%w: task %s: retry_count must be a non-negative integer", ErrInvalidTask, id)
		}
	}
	for _, key := range []string{"created_at", "updated_at"} {
		v, present := obj[key]
		if !present || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: task %s: %s must be a timestamp string", ErrInvalidTask, id, key)
		}
		if s == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("%w: task %s: %s: %v", ErrInvalidTask, id, key, err)
		}
	}
	return nil
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// DecodeRecord validates raw JSON against the schema and decodes it.
func DecodeRecord(raw []byte) (Task, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := ValidateRecord(obj); err != nil {
		return Task{}, err
	}

	// Empty timestamp strings mean "no timestamp".
	for _, key := range []string{"created_at", "updated_at"} {
		if s, ok := obj[key].(string); ok && s == "" {
			delete(obj, key)
		}
	}
	normalized, err := json.Marshal(obj)
	if err != nil {
		return Task{}, err
	}

	var t Task
	if err := json.Unmarshal(normalized, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return t, nil
}

// ToObject converts a task to an untyped JSON object.
func ToObject(t Task) (map[string]interface{}, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return decodeObject(data)
}

// FromObject validates and converts an untyped JSON object to a Task.
func FromObject(obj map[string]interface{}) (Task, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return DecodeRecord(data)
}

func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	return obj, nil
}
