package utils

import (
	"path/filepath"
	"testing"
)

type sample struct {
	Name    string `toml:"name"`
	Threads int    `toml:"threads"`
	Inner   struct {
		Size uint64 `toml:"size"`
	} `toml:"inner"`
}

func TestTOMLRoundTrip(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "cfg.toml")
	var in sample
	in.Name = "direction"
	in.Threads = 4
	in.Inner.Size = 1 << 20
	if err := WriteTOML(fn, in); err != nil {
		t.Fatal(err)
	}
	var out sample
	out.Threads = 99
	if err := LoadTOML(fn, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestLoadTOMLKeepsDefaults(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "cfg.toml")
	var partial struct {
		Name string `toml:"name"`
	}
	partial.Name = "count"
	if err := WriteTOML(fn, partial); err != nil {
		t.Fatal(err)
	}
	out := sample{Threads: 7}
	if err := LoadTOML(fn, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "count" || out.Threads != 7 {
		t.Errorf("got %+v", out)
	}
}

func TestLoadTOMLMissing(t *testing.T) {
	var out sample
	if err := LoadTOML(filepath.Join(t.TempDir(), "none.toml"), &out); err == nil {
		t.Error("expected an error for a missing file")
	}
}
