package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write manifest %s: %v", name, err)
	}
}

func TestLoadManifestsRegistersCommands(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "dom.yaml", `
category: dom
commands:
  - name: snapshot
    affinity: remote-browser
    params:
      - name: selector
        type: string
        required: true
  - name: click
    affinity: remote-browser
    params:
      - name: selector
        type: string
        required: true
`)

	r := New()
	if err := r.LoadManifests(dir); err != nil {
		t.Fatalf("LoadManifests: %v", err)
	}

	def, err := r.Resolve("dom", "snapshot")
	if err != nil {
		t.Fatalf("Resolve dom/snapshot: %v", err)
	}
	if def.Affinity != AffinityBrowser {
		t.Fatalf("Affinity = %s, want remote-browser", def.Affinity)
	}
	if !def.Affinity.Remote() {
		t.Fatalf("Remote() = false, want true")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestLoadManifestsLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	// Written out of lexical order on purpose.
	writeManifest(t, dir, "20-second.yaml", "category: c\ncommands:\n  - name: second\n")
	writeManifest(t, dir, "10-first.yaml", "category: c\ncommands:\n  - name: first\n")

	r := New()
	if err := r.LoadManifests(dir); err != nil {
		t.Fatalf("LoadManifests: %v", err)
	}

	defs := r.List("c")
	if len(defs) != 2 || defs[0].Name != "first" || defs[1].Name != "second" {
		t.Fatalf("List order = %v, want [first second]", defs)
	}
}

func TestLoadManifestsMissingDirIsOK(t *testing.T) {
	r := New()
	if err := r.LoadManifests(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("LoadManifests on missing dir: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestLoadManifestsRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.yaml", "category: [unterminated")

	r := New()
	if err := r.LoadManifests(dir); err == nil {
		t.Fatalf("LoadManifests accepted malformed YAML")
	}
}

func TestLoadManifestsCommandCategoryOverridesFileCategory(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "mixed.yaml", `
category: dom
commands:
  - name: implicit
  - name: explicit
    category: sessions
`)

	r := New()
	if err := r.LoadManifests(dir); err != nil {
		t.Fatalf("LoadManifests: %v", err)
	}
	if _, err := r.Resolve("dom", "implicit"); err != nil {
		t.Fatalf("Resolve dom/implicit: %v", err)
	}
	if _, err := r.Resolve("sessions", "explicit"); err != nil {
		t.Fatalf("Resolve sessions/explicit: %v", err)
	}
}
