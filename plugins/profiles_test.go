package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linht/synth-manager/adf435x"
)

func TestProfileStoreRoundTrip(t *testing.T) {
	store, err := NewProfileStore(filepath.Join(t.TempDir(), "profiles"))
	if err != nil {
		t.Fatal(err)
	}

	opts := adf435x.DefaultOptions()
	opts.DeviceType = adf435x.DeviceADF4350
	opts.FeedbackSelect = adf435x.FeedbackDivided
	opts.ReferenceFrequencyHz = 10000000
	opts.OutputPower = -1
	opts.ChargePumpCurrent = 0.31

	if err := store.Save("lab-1", opts); err != nil {
		t.Fatal(err)
	}
	if err := store.Save("bench_2", adf435x.DefaultOptions()); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load("lab-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != opts {
		t.Errorf("loaded %+v\nwant   %+v", got, opts)
	}

	names, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "bench_2" || names[1] != "lab-1" {
		t.Errorf("names %v", names)
	}

	if err := store.Delete("lab-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("lab-1"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if _, err := store.Load("lab-1"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("load deleted: %v", err)
	}
}

func TestProfileNames(t *testing.T) {
	store, err := NewProfileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../etc", "a b", "x.yaml", "name/"} {
		if err := store.Save(name, adf435x.DefaultOptions()); !errors.Is(err, ErrInvalidProfileName) {
			t.Errorf("Save(%q) = %v", name, err)
		}
		if _, err := store.Load(name); !errors.Is(err, ErrInvalidProfileName) {
			t.Errorf("Load(%q) = %v", name, err)
		}
	}

	if _, err := NewProfileStore(""); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestProfilePartialFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "short.yaml"), []byte("output_power: 2\nfeedback_select: divided\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewProfileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	opts, err := store.Load("short")
	if err != nil {
		t.Fatal(err)
	}
	want := adf435x.DefaultOptions()
	want.OutputPower = 2
	want.FeedbackSelect = adf435x.FeedbackDivided
	if opts != want {
		t.Errorf("got %+v", opts)
	}

	names, _ := store.List()
	if len(names) != 1 || names[0] != "short" {
		t.Errorf("names %v", names)
	}

	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("prescaler: 7/8\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("bad"); err == nil {
		t.Error("expected error for unknown prescaler")
	}
}

func TestProfileSaveKeepsComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	original := "# bench synthesizer\nreference_frequency_hz: 10000000 # TCXO\noutput_power: 2\n"
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewProfileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	opts := adf435x.DefaultOptions()
	opts.ReferenceFrequencyHz = 26000000
	if err := store.Save("bench", opts); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{"# bench synthesizer", "# TCXO", "26000000", "prescaler: 8/9"} {
		if !strings.Contains(text, want) {
			t.Errorf("saved profile missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "reference_frequency_hz") > strings.Index(text, "device_type") {
		t.Errorf("existing keys not kept first:\n%s", text)
	}

	got, err := store.Load("bench")
	if err != nil {
		t.Fatal(err)
	}
	if got != opts {
		t.Errorf("loaded %+v", got)
	}
}
