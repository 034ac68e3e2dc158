package types

import "testing"

func TestKey_CollectionAndID(t *testing.T) {
	cases := []struct {
		key        Key
		collection string
		id         string
	}{
		{"user:1", "user", "1"},
		{"user:1:profile", "user", "1:profile"},
		{"plain", "plain", ""},
		{":5", "", "5"},
	}
	for _, c := range cases {
		if got := c.key.Collection(); got != c.collection {
			t.Fatalf("%q Collection: expected %q, got %q", c.key, c.collection, got)
		}
		if got := c.key.ID(); got != c.id {
			t.Fatalf("%q ID: expected %q, got %q", c.key, c.id, got)
		}
	}
}

func TestDocument_CloneIsDeep(t *testing.T) {
	orig := Document{
		"name": "rain",
		"tags": []any{"a", "b"},
		"addr": map[string]any{"city": "x"},
	}

	cp := orig.Clone()
	cp["name"] = "other"
	cp["tags"].([]any)[0] = "z"
	cp["addr"].(map[string]any)["city"] = "y"

	if orig["name"] != "rain" {
		t.Fatalf("clone aliased top level: %v", orig)
	}
	if orig["tags"].([]any)[0] != "a" {
		t.Fatalf("clone aliased slice: %v", orig)
	}
	if orig["addr"].(map[string]any)["city"] != "x" {
		t.Fatalf("clone aliased nested map: %v", orig)
	}
}

func TestDocument_CloneNilIsNil(t *testing.T) {
	var d Document
	if d.Clone() != nil {
		t.Fatal("clone of absent document must stay absent")
	}
}
