package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func decodeJSON(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, ErrInvalidJSON
	}
	return v, nil
}

func asObject(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asList(v interface{}) []interface{} {
	l, _ := v.([]interface{})
	return l
}

// scalar renders JSON scalars as strings; objects, arrays and null are empty.
func scalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// firstString returns the first non-empty scalar among keys of m.
func firstString(m map[string]interface{}, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		if s := scalar(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// stringOrJoined accepts a string or an array of strings.
func stringOrJoined(v interface{}, sep string) string {
	if s := scalar(v); s != "" {
		return s
	}
	var parts []string
	for _, item := range asList(v) {
		if s := strings.TrimSpace(scalar(item)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func stringList(v interface{}) []string {
	if s := strings.TrimSpace(scalar(v)); s != "" {
		return []string{s}
	}
	var out []string
	for _, item := range asList(v) {
		if s := strings.TrimSpace(scalar(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func int64Field(m map[string]interface{}, keys ...string) int64 {
	s := firstString(m, keys...)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// NormalizeHeaders flattens the header encodings providers use into a map
// keyed by lowercase name: an object of name to value, or an array of
// {name|key|headerName, value|val|headerValue} entries. Later duplicates win.
func NormalizeHeaders(v interface{}) map[string]string {
	out := make(map[string]string)
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			key := strings.ToLower(strings.TrimSpace(k))
			if key == "" || val == nil {
				continue
			}
			out[key] = headerValue(val)
		}
	case []interface{}:
		for _, item := range t {
			h := asObject(item)
			if h == nil {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(firstString(h, "name", "key", "headerName")))
			if key == "" {
				continue
			}
			var val interface{}
			for _, vk := range []string{"value", "val", "headerValue"} {
				if x, ok := h[vk]; ok && x != nil {
					val = x
					break
				}
			}
			out[key] = headerValue(val)
		}
	}
	return out
}

func headerValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s := scalar(v); s != "" {
		return s
	}
	if l := asList(v); l != nil {
		return stringOrJoined(l, " ")
	}
	return fmt.Sprint(v)
}
