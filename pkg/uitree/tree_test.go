package uitree

import (
	"strings"
	"testing"
)

const sampleDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node class="android.widget.FrameLayout" text="" content-desc="" resource-id="" bounds="[0,0][1080,1920]" clickable="false">
    <node class="android.widget.TextView" text="Settings" content-desc="" resource-id="android:id/title" bounds="[33,861][397,899]" clickable="false"/>
    <node class="android.widget.Button" text="" content-desc="Search" resource-id="com.example:id/search" bounds="[900,50][1050,150]" clickable="true"/>
    <node class="android.widget.EditText" text="hello" content-desc="Greeting field" resource-id="" bounds="bad-bounds" clickable="true"/>
  </node>
</hierarchy>`

func TestRenderHierarchy(t *testing.T) {
	root, err := ParseHierarchy([]byte(sampleDump))
	if err != nil {
		t.Fatalf("ParseHierarchy: %v", err)
	}
	got := RenderHierarchy(root)
	want := strings.Join([]string{
		"Hierarchy",
		"FrameLayout, frame: {{0.0, 0.0}, {1080.0, 1920.0}}",
		`  TextView, label: "Settings", identifier: "android:id/title", frame: {{33.0, 861.0}, {364.0, 38.0}}`,
		`  Button, label: "Search", identifier: "com.example:id/search", frame: {{900.0, 50.0}, {150.0, 100.0}}, clickable: true`,
		`  EditText, label: "hello", value: "Greeting field", clickable: true`,
	}, "\n")
	if got != want {
		t.Fatalf("RenderHierarchy mismatch:\n got:\n%s\nwant:\n%s", got, want)
	}
}

func TestRenderHierarchyEmptyClass(t *testing.T) {
	root, err := ParseHierarchy([]byte(`<hierarchy><node text="x" bounds=""/></hierarchy>`))
	if err != nil {
		t.Fatalf("ParseHierarchy: %v", err)
	}
	got := RenderHierarchy(root)
	want := "Hierarchy\nNode, label: \"x\""
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseHierarchyInvalid(t *testing.T) {
	if _, err := ParseHierarchy([]byte("this is not xml <")); err == nil {
		t.Fatal("ParseHierarchy accepted garbage")
	}
}
