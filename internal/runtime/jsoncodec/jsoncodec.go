// Package jsoncodec is the single JSON codec used for message envelopes,
// webhook bodies and persisted partial results.
package jsoncodec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// ConfigStd sorts map keys, which keeps encoded envelopes stable for hashing.
var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// DecodeObject decodes data that must hold a JSON object.
func DecodeObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := defaultConfig.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("jsoncodec: expected a JSON object, got %q", truncate(data, 64))
	}
	return obj, nil
}

// StringField returns obj[key] when it holds a non-empty string.
func StringField(obj map[string]any, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
