// Package decode turns loosely typed client payloads into typed structs.
package decode

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Map decodes a generic JSON object into T by `json` tags. Input is weakly
// typed ("3" fills an int) and string fields are trimmed.
func Map[T any](m map[string]any) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(numberHook, trimHook),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &out, nil
}

// Raw decodes a raw JSON object into T. An empty or null payload decodes to the zero T.
func Raw[T any](raw json.RawMessage) (*T, error) {
	m := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("payload not an object: %w", err)
		}
	}
	return Map[T](m)
}

// numberHook truncates JSON numbers headed for integer fields.
func numberHook(from, to reflect.Kind, data any) (any, error) {
	f, ok := data.(float64)
	if from != reflect.Float64 || !ok {
		return data, nil
	}
	switch to {
	case reflect.Int, reflect.Int32, reflect.Int64:
		return int64(f), nil
	}
	return data, nil
}

func trimHook(from, to reflect.Kind, data any) (any, error) {
	if s, ok := data.(string); ok && from == reflect.String && to == reflect.String {
		return strings.TrimSpace(s), nil
	}
	return data, nil
}
