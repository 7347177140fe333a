package canonical

import (
	"encoding/json"
	"math"
	"testing"
)

func TestSerialize_SortsRecordsByID(t *testing.T) {
	records := []Record{
		{"id": "2", "bar": "baz", "last_modified": "45678"},
		{"id": "1", "foo": "bar", "last_modified": "12345"},
	}

	b, err := Serialize(records, 45678)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	expected := `{"data":[{"foo":"bar","id":"1","last_modified":"12345"},` +
		`{"bar":"baz","id":"2","last_modified":"45678"}],"last_modified":"45678"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestSerialize_ExcludesTombstones(t *testing.T) {
	records := []Record{
		{"id": "1", "deleted": true, "last_modified": 42},
		{"id": "2", "last_modified": 43},
	}

	b, err := Serialize(records, 43)
	if err != nil {
		t.Fatal(err)
	}

	expected := `{"data":[{"id":"2","last_modified":43}],"last_modified":"43"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_UnicodeEscape(t *testing.T) {
	record := Record{"id": "4", "a": `"quoted"`, "b": "Ich ♥ Bücher"}

	b, err := Marshal(record)
	if err != nil {
		t.Fatal(err)
	}

	expected := `{"a":"\"quoted\"","b":"Ich \u2665 B\u00fccher","id":"4"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_ControlAndSlash(t *testing.T) {
	b, err := Marshal(map[string]any{"s": "a\nb\tc/d\x01"})
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"s":"a\nb\tc/d\u0001"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_AstralPlane(t *testing.T) {
	b, err := Marshal(map[string]any{"emoji": "\U0001F600"})
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"emoji":"\ud83d\ude00"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NumberFormatting(t *testing.T) {
	cases := []struct {
		in       any
		expected string
	}{
		{0.000000930258908, `9.30258908e-7`},
		{1e21, `1e+21`},
		{math.NaN(), `null`},
		{math.Inf(1), `null`},
		{math.Inf(-1), `null`},
		{23.0, `23`},
		{1.5, `1.5`},
		{0.000001, `0.000001`},
		{1e-7, `1e-7`},
		{0, `0`},
		{-42, `-42`},
		{json.Number("12345"), `12345`},
		{json.Number("23.0"), `23`},
	}
	for _, c := range cases {
		b, err := Marshal(c.in)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", c.in, err)
		}
		if string(b) != c.expected {
			t.Errorf("Marshal(%v): expected %s, got %s", c.in, c.expected, string(b))
		}
	}
}

func TestMarshal_RecursiveKeySorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": []any{map[string]any{"b": 2, "a": 1}},
	}

	b, err := Marshal(input)
	if err != nil {
		t.Fatal(err)
	}

	expected := `{"a":[{"a":1,"b":2}],"z":{"x":"bar","y":"foo"}}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_StructThroughTags(t *testing.T) {
	type rec struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	b, err := Marshal(rec{A: "1", B: "2"})
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"a":"1","b":"2"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]any{"html": "<script> &"})
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"html":"<script> &"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}
