package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCanonicalTextFlattensNestedPayload(t *testing.T) {
	props, err := PropertiesFromJSON([]byte(`{"name":"Morphine","dose":{"mg":10,"route":"iv"},"tags":["opioid"],"note":null}`))
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	view := SnapshotView{
		Key:         uuid.MustParse("7d9f7c1e-4f0b-4c55-9c53-6f1b7c7d2a01"),
		SnapshotKey: uuid.MustParse("0b1f4c65-1111-4c55-9c53-6f1b7c7d2a02"),
		ValidFrom:   time.Date(2024, 2, 1, 6, 30, 0, 0, time.UTC),
		Properties:  props,
	}
	lines, err := view.CanonicalText()
	if err != nil {
		t.Fatalf("canonical text: %v", err)
	}
	want := []string{
		"Key: 7d9f7c1e-4f0b-4c55-9c53-6f1b7c7d2a01",
		"Snapshot: 0b1f4c65-1111-4c55-9c53-6f1b7c7d2a02",
		"ValidFrom: 2024-02-01T06:30:00Z",
		"Deleted: false",
		"Payload:",
		"  dose.mg: 10",
		`  dose.route: "iv"`,
		`  name: "Morphine"`,
		"  note: null",
		`  tags[0]: "opioid"`,
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected canonical text:\n%s", strings.Join(lines, "\n"))
	}
}

func TestPropertiesFromJSONWrapsScalars(t *testing.T) {
	props, err := PropertiesFromJSON([]byte(`"plain"`))
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props["value"] != "plain" {
		t.Fatalf("expected scalar under value, got %v", props)
	}
	if _, err := PropertiesFromJSON([]byte(`{`)); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func TestDiffSnapshots(t *testing.T) {
	key := uuid.New()
	base := &SnapshotView{Key: key, SnapshotKey: uuid.New(), Properties: map[string]any{"name": "A", "form": "tablet"}}
	target := &SnapshotView{Key: key, SnapshotKey: uuid.New(), Deleted: true, Properties: map[string]any{"name": "B", "form": "tablet"}}

	diff, err := DiffSnapshots("base", base, "target", target)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	for _, line := range []string{
		"--- base",
		"+++ target",
		"-Deleted: false",
		"+Deleted: true",
		`-  name: "A"`,
		`+  name: "B"`,
		`   form: "tablet"`,
	} {
		if !strings.Contains(diff, line+"\n") {
			t.Fatalf("expected diff to contain %q:\n%s", line, diff)
		}
	}
}

func TestDiffAgainstNothingIsPureAddition(t *testing.T) {
	target := &SnapshotView{Key: uuid.New(), SnapshotKey: uuid.New()}
	diff, err := DiffSnapshots("none", nil, "target", target)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(diff), "\n")[3:] {
		if !strings.HasPrefix(line, "+") {
			t.Fatalf("expected only additions, got %q", line)
		}
	}
	if !strings.Contains(diff, "+  (empty)\n") {
		t.Fatalf("expected empty payload marker:\n%s", diff)
	}
}
