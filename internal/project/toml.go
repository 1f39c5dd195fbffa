package project

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

var envKeys = map[string]bool{
	"description":         true,
	"runtime":             true,
	"image":               true,
	"deps":                true,
	"install_command":     true,
	"setenv":              true,
	"passenv":             true,
	"changedir":           true,
	"commands":            true,
	"allowlist_externals": true,
	"depends":             true,
	"timeout":             true,
	"recreate":            true,
}

// parseTOML lowers a TOML project file into the shared raw-section model.
// The layout mirrors the ini format: an [envrun] table, a [testenv] base
// table with [testenv.NAME] sub-tables, and foreign top-level tables.
// Multi-line ini values map to arrays of strings, so setenv is written as
// ["KEY=VALUE", ...] and commands as one string per command line.
func parseTOML(data []byte) ([]rawSection, error) {
	var root map[string]interface{}
	md, err := toml.Decode(string(data), &root)
	if err != nil {
		return nil, err
	}

	var sections []rawSection
	index := make(map[string]int)
	section := func(name string) *rawSection {
		if i, ok := index[name]; ok {
			return &sections[i]
		}
		index[name] = len(sections)
		sections = append(sections, rawSection{name: name})
		return &sections[len(sections)-1]
	}

	for _, key := range md.Keys() {
		parts := []string(key)
		switch len(parts) {
		case 1:
			if md.Type(parts...) != "Hash" {
				return nil, fmt.Errorf("top-level key %q must live in a table", parts[0])
			}
			section(parts[0])
		case 2:
			table, name := parts[0], parts[1]
			if table == baseSection && md.Type(parts...) == "Hash" {
				if envKeys[name] {
					return nil, fmt.Errorf("[testenv] %s must be a value (use an array of strings), not a table", name)
				}
				section(envSectionPref + name)
				continue
			}
			if md.Type(parts...) == "Hash" {
				return nil, fmt.Errorf("[%s] must not contain nested tables", table)
			}
			value, err := stringifyValue(lookupValue(root, parts))
			if err != nil {
				return nil, fmt.Errorf("[%s] %s: %w", table, name, err)
			}
			sec := section(table)
			sec.keys = append(sec.keys, rawKey{name: name, value: value})
		case 3:
			if parts[0] != baseSection {
				return nil, fmt.Errorf("[%s] must not contain nested tables", parts[0])
			}
			if md.Type(parts...) == "Hash" {
				return nil, fmt.Errorf("[testenv.%s] must not contain nested tables", parts[1])
			}
			value, err := stringifyValue(lookupValue(root, parts))
			if err != nil {
				return nil, fmt.Errorf("[testenv.%s] %s: %w", parts[1], parts[2], err)
			}
			sec := section(envSectionPref + parts[1])
			sec.keys = append(sec.keys, rawKey{name: parts[2], value: value})
		default:
			return nil, fmt.Errorf("table %s is nested too deeply", strings.Join(parts, "."))
		}
	}
	return sections, nil
}

func lookupValue(root map[string]interface{}, parts []string) interface{} {
	var v interface{} = root
	for _, p := range parts {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[p]
	}
	return v
}

// stringifyValue renders a decoded TOML value into the raw string shape
// the ini reader produces: scalars verbatim, arrays joined with newlines.
func stringifyValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []interface{}:
		lines := make([]string, 0, len(t))
		for _, el := range t {
			if _, nested := el.([]interface{}); nested {
				return "", fmt.Errorf("nested arrays are not supported")
			}
			s, err := stringifyValue(el)
			if err != nil {
				return "", err
			}
			lines = append(lines, s)
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
