package plugins

import "testing"

func TestSynthRegistered(t *testing.T) {
	found := false
	for _, name := range Names() {
		if name == "synth" {
			found = true
		}
	}
	if !found {
		t.Fatalf("synth missing from %v", Names())
	}

	factory, ok := Get("synth")
	if !ok {
		t.Fatal("Get(synth) failed")
	}

	p, err := factory(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()
	if p.Name() != "synth" {
		t.Errorf("name %q", p.Name())
	}

	if _, err := factory("synth"); err == nil {
		t.Error("expected error for string config")
	}

	cfg := DefaultSynthConfig()
	cfg.Options.ChannelSpacingHz = 0
	if _, err := factory(&cfg); err == nil {
		t.Error("expected error for zero channel spacing")
	}
}
