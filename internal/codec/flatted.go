package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// ErrMalformed is returned when a flatted document cannot be resolved.
var ErrMalformed = errors.New("malformed flatted document")

type flattedCodec struct{}

// Flatted returns the reference-tracking codec.
//
// The document is a JSON array whose slot 0 holds the root. Objects, arrays
// and strings each occupy one slot; inside containers they are referenced by
// their slot index written as a string. Shared and cyclic references to the
// same map or slice collapse to one slot and come back as the same value.
func Flatted() Codec { return flattedCodec{} }

func (flattedCodec) Name() string { return "flatted" }

func (flattedCodec) Encode(v any) (string, error) {
	enc := &flatEncoder{seen: map[identity]int{}, strs: map[string]int{}}
	root, err := enc.ref(v)
	if err != nil {
		return "", err
	}
	if len(enc.slots) == 0 {
		enc.slots = append(enc.slots, root)
	}
	b, err := json.Marshal(enc.slots)
	if err != nil {
		return "", fmt.Errorf("flatted encode: %w", err)
	}
	return string(b), nil
}

func (flattedCodec) Decode(s string) (any, error) {
	var slots []any
	if err := json.Unmarshal([]byte(s), &slots); err != nil {
		return nil, fmt.Errorf("flatted decode: %w", err)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	dec := &flatDecoder{slots: slots, done: map[int]any{}}
	return dec.slot(0)
}

type identity struct {
	ptr uintptr
	n   int
}

type flatEncoder struct {
	slots []any
	seen  map[identity]int
	strs  map[string]int
}

func (e *flatEncoder) reserve() int {
	e.slots = append(e.slots, nil)
	return len(e.slots) - 1
}

// ref returns the value placed in the parent container for v.
func (e *flatEncoder) ref(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return x, nil
	case string:
		if idx, ok := e.strs[x]; ok {
			return strconv.Itoa(idx), nil
		}
		idx := e.reserve()
		e.slots[idx] = x
		e.strs[x] = idx
		return strconv.Itoa(idx), nil
	case map[string]any:
		id := identity{ptr: reflect.ValueOf(x).Pointer(), n: -1}
		if idx, ok := e.seen[id]; ok && id.ptr != 0 {
			return strconv.Itoa(idx), nil
		}
		idx := e.reserve()
		if id.ptr != 0 {
			e.seen[id] = idx
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(map[string]any, len(x))
		for _, k := range keys {
			r, err := e.ref(x[k])
			if err != nil {
				return nil, err
			}
			obj[k] = r
		}
		e.slots[idx] = obj
		return strconv.Itoa(idx), nil
	case []any:
		var id identity
		if len(x) > 0 {
			id = identity{ptr: reflect.ValueOf(x).Pointer(), n: len(x)}
			if idx, ok := e.seen[id]; ok {
				return strconv.Itoa(idx), nil
			}
		}
		idx := e.reserve()
		if id.ptr != 0 {
			e.seen[id] = idx
		}
		arr := make([]any, len(x))
		for i, item := range x {
			r, err := e.ref(item)
			if err != nil {
				return nil, err
			}
			arr[i] = r
		}
		e.slots[idx] = arr
		return strconv.Itoa(idx), nil
	default:
		norm, err := normalize(v)
		if err != nil {
			return nil, err
		}
		return e.ref(norm)
	}
}

// normalize turns typed Go values into encoding/json generic form.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flatted encode %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("flatted encode %T: %w", v, err)
	}
	return out, nil
}

type flatDecoder struct {
	slots []any
	done  map[int]any
}

func (d *flatDecoder) slot(idx int) (any, error) {
	if idx < 0 || idx >= len(d.slots) {
		return nil, fmt.Errorf("%w: slot %d out of range", ErrMalformed, idx)
	}
	if v, ok := d.done[idx]; ok {
		return v, nil
	}
	switch raw := d.slots[idx].(type) {
	case map[string]any:
		obj := make(map[string]any, len(raw))
		d.done[idx] = obj
		for k, r := range raw {
			v, err := d.resolve(r)
			if err != nil {
				return nil, err
			}
			obj[k] = v
		}
		return obj, nil
	case []any:
		arr := make([]any, len(raw))
		d.done[idx] = arr
		for i, r := range raw {
			v, err := d.resolve(r)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	default:
		d.done[idx] = raw
		return raw, nil
	}
}

// resolve maps a value found inside a container back to what it references.
func (d *flatDecoder) resolve(r any) (any, error) {
	s, ok := r.(string)
	if !ok {
		return r, nil
	}
	idx, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad reference %q", ErrMalformed, s)
	}
	return d.slot(idx)
}
