package ntctl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseOption splits a "KEY=VALUE" command-line argument into a JSONPath-lite
// key and a decoded value, grounded on cli/actions/start.py's
// `Options._convert_option`: VALUE is parsed as JSON when possible (so
// `probes.demo.interval_ms=500` sets a number, `probes.demo={}` sets an
// object), falling back to the raw string otherwise.
func ParseOption(arg string) (key string, value any, err error) {
	eq := strings.IndexByte(arg, '=')
	if eq < 0 {
		return "", nil, fmt.Errorf("option %q is missing '=' (want KEY=VALUE)", arg)
	}
	key = arg[:eq]
	raw := arg[eq+1:]

	var decoded any
	if jsonErr := json.Unmarshal([]byte(raw), &decoded); jsonErr == nil {
		return key, decoded, nil
	}
	return key, raw, nil
}

// SetNested applies `key = value` onto dest using the small JSONPath subset
// cli/actions/start.py's `Options._set`/`_set_root_unchecked` support: a
// dotted key ("probes.demo.interval_ms") walks/creates nested maps, and a
// bracketed segment ("probes.demo.targets[0]") walks/creates a slice. The
// leading "$." / "." / bare-key forms are all accepted, matching the
// original's normalization in `_set`.
func SetNested(dest map[string]any, key string, value any) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if key == "$" {
		return fmt.Errorf("root value must be a dictionary; use a concrete key")
	}

	switch {
	case strings.HasPrefix(key, "$."):
		key = key[1:]
	case strings.HasPrefix(key, "."):
		// already rooted
	case strings.HasPrefix(key, "$[") || strings.HasPrefix(key, "["):
		return fmt.Errorf("root value must be a dictionary")
	default:
		key = "." + key
	}

	_, err := setRoot(dest, key, value)
	return err
}

// setRoot mutates dest in place (for maps) or returns a replacement (for
// slices, since Go slices can't grow in place through an interface value)
// and recurses on whichever nested container `key`'s next segment names.
func setRoot(dest any, key string, value any) (any, error) {
	switch {
	case strings.HasPrefix(key, "."):
		m, ok := dest.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("type mismatch applying key %q to %T", key, dest)
		}
		for i := 1; i < len(key); i++ {
			if key[i] == '.' || key[i] == '[' {
				segment, rest := key[1:i], key[i:]
				child, exists := m[segment]
				if !exists {
					if key[i] == '.' {
						child = map[string]any{}
					} else {
						child = []any{}
					}
				}
				updated, err := setRoot(child, rest, value)
				if err != nil {
					return nil, err
				}
				m[segment] = updated
				return m, nil
			}
		}
		m[key[1:]] = value
		return m, nil

	case strings.HasPrefix(key, "["):
		list, ok := dest.([]any)
		if !ok {
			return nil, fmt.Errorf("type mismatch applying key %q to %T", key, dest)
		}
		closing := strings.IndexByte(key, ']')
		if closing < 0 {
			return nil, fmt.Errorf("missing closing bracket in %q", key)
		}
		idx, err := strconv.Atoi(key[1:closing])
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid index %q", key[1:closing])
		}
		for len(list) <= idx {
			list = append(list, nil)
		}
		if closing == len(key)-1 {
			list[idx] = value
			return list, nil
		}
		rest := key[closing+1:]
		child := list[idx]
		if child == nil {
			if rest[0] == '.' {
				child = map[string]any{}
			} else {
				child = []any{}
			}
		}
		updated, err := setRoot(child, rest, value)
		if err != nil {
			return nil, err
		}
		list[idx] = updated
		return list, nil

	default:
		return nil, fmt.Errorf("invalid key %q", key)
	}
}
