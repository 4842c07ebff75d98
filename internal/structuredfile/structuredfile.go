// Package structuredfile reads, writes, and deep-merges JSON, YAML, and
// TOML documents as generic Go values, for the script evaluator's fs.*
// built-ins and the CheckoutUpdateAsset executor.
package structuredfile

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"

	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// Format is a structured document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// DetectFormat infers a format from a file extension, defaulting to JSON
// when the extension is unrecognized (spec.md §4.9: "auto-detect by
// extension").
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Decode parses data as format into a generic value (map[string]any,
// []any, or a scalar).
func Decode(data []byte, format Format) (any, error) {
	var v any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &v)
	case FormatTOML:
		err = toml.Unmarshal(data, &v)
	default:
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.UseNumber()
		err = dec.Decode(&v)
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "decoding "+string(format)+" document", err)
	}
	return v, nil
}

// Encode serializes v as format.
func Encode(v any, format Format) ([]byte, error) {
	var out []byte
	var err error
	switch format {
	case FormatYAML:
		out, err = yaml.Marshal(v)
	case FormatTOML:
		var buf strings.Builder
		err = toml.NewEncoder(&buf).Encode(v)
		out = []byte(buf.String())
	default:
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "encoding "+string(format)+" document", err)
	}
	return out, nil
}

// Merge deep-merges overlay onto base per spec.md §4.9: objects merge
// key-by-key recursively, arrays concatenate, and scalars take the
// overlay's value. A nil base returns overlay unchanged.
func Merge(base, overlay any) any {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}

	baseMap, baseIsMap := asMap(base)
	overlayMap, overlayIsMap := asMap(overlay)
	if baseIsMap && overlayIsMap {
		out := make(map[string]any, len(baseMap)+len(overlayMap))
		for k, v := range baseMap {
			out[k] = v
		}
		for k, v := range overlayMap {
			if existing, ok := out[k]; ok {
				out[k] = Merge(existing, v)
			} else {
				out[k] = v
			}
		}
		return out
	}

	baseSlice, baseIsSlice := base.([]any)
	overlaySlice, overlayIsSlice := overlay.([]any)
	if baseIsSlice && overlayIsSlice {
		out := make([]any, 0, len(baseSlice)+len(overlaySlice))
		out = append(out, baseSlice...)
		out = append(out, overlaySlice...)
		return out
	}

	// scalars, or a type mismatch: overlay wins
	return overlay
}

// asMap normalizes both map[string]any (JSON/TOML decode output) and
// map[any]any (a shape some YAML decoders can produce) to map[string]any.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[toString(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
