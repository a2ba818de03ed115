package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	in := map[string]map[string]int{"worker-b": {"lead": 5}}
	if err := AtomicWriteJSON(path, in); err != nil {
		t.Fatalf("AtomicWriteJSON() error = %v", err)
	}

	var out map[string]map[string]int
	ok, err := ReadJSON(path, &out)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if !ok {
		t.Fatal("ReadJSON() reported missing file")
	}
	if out["worker-b"]["lead"] != 5 {
		t.Errorf("got %v, want worker-b.lead=5", out)
	}
}

func TestAtomicWriteFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")

	for i := 0; i < 3; i++ {
		if err := AtomicWriteFile(path, []byte("hello"), 0644); err != nil {
			t.Fatalf("AtomicWriteFile() error = %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only data.txt, found %v", names)
	}
}

func TestReadJSON_Missing(t *testing.T) {
	var v map[string]int
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing file")
	}
}

func TestReadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	var v map[string]int
	if _, err := ReadJSON(path, &v); err == nil {
		t.Error("expected parse error")
	}
}
