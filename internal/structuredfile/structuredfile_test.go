package structuredfile

import "testing"

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"config.yaml":   FormatYAML,
		"config.yml":    FormatYAML,
		"config.toml":   FormatTOML,
		"config.json":   FormatJSON,
		"config":        FormatJSON,
	}
	for path, want := range cases {
		if got := DetectFormat(path); got != want {
			t.Errorf("DetectFormat(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestDecodeEncodeJSONRoundTrip(t *testing.T) {
	data := []byte(`{"a":1,"b":["x","y"]}`)
	v, err := Decode(data, FormatJSON)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	out, err := Encode(v, FormatJSON)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	v2, err := Decode(out, FormatJSON)
	if err != nil {
		t.Fatalf("second Decode() error = %v", err)
	}
	m1, _ := v.(map[string]any)
	m2, _ := v2.(map[string]any)
	if len(m1) != len(m2) {
		t.Errorf("round trip changed shape: %v vs %v", v, v2)
	}
}

func TestMergeObjectsDeep(t *testing.T) {
	base := map[string]any{
		"name": "base",
		"nested": map[string]any{
			"keep": "me",
			"override": "old",
		},
	}
	overlay := map[string]any{
		"nested": map[string]any{
			"override": "new",
			"added":    "value",
		},
	}

	merged := Merge(base, overlay)
	m, ok := merged.(map[string]any)
	if !ok {
		t.Fatalf("Merge() did not return a map: %T", merged)
	}
	if m["name"] != "base" {
		t.Errorf("name = %v, want base (untouched key preserved)", m["name"])
	}
	nested, ok := m["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested is not a map: %T", m["nested"])
	}
	if nested["keep"] != "me" {
		t.Errorf("nested.keep = %v, want me", nested["keep"])
	}
	if nested["override"] != "new" {
		t.Errorf("nested.override = %v, want new (overlay wins)", nested["override"])
	}
	if nested["added"] != "value" {
		t.Errorf("nested.added = %v, want value", nested["added"])
	}
}

func TestMergeArraysConcat(t *testing.T) {
	merged := Merge([]any{"a", "b"}, []any{"c"})
	arr, ok := merged.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("Merge() = %v, want 3-element concatenated array", merged)
	}
}

func TestMergeScalarOverlayWins(t *testing.T) {
	merged := Merge("old", "new")
	if merged != "new" {
		t.Errorf("Merge() = %v, want new", merged)
	}
}
