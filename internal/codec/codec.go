// Package codec serialises LogEntry payloads for storage.
//
// Backends never marshal payloads themselves; they receive a Codec so the
// encoding can be swapped without touching CRUD code.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Codec converts arbitrary payloads to and from their stored text form.
type Codec interface {
	Name() string
	Encode(v any) (string, error)
	Decode(s string) (any, error)
}

// Default is the codec used when none is configured.
func Default() Codec { return Flatted() }

// ByName resolves a codec from its configuration name. Empty selects Default.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "flatted":
		return Flatted(), nil
	case "json":
		return JSON(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

// JSON returns a plain encoding/json codec. Cyclic payloads fail to encode.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	return string(b), nil
}

func (jsonCodec) Decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return v, nil
}
