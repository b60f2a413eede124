package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linht/synth-manager/plugins"
)

func TestParseHz(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"2400000000", 2400000000, true},
		{"2.4G", 2400000000, true},
		{"145.5M", 145500000, true},
		{"100k", 100000, true},
		{"12.5K", 12500, true},
		{"", 0, false},
		{"fast", 0, false},
		{"-1M", 0, false},
		{"1.5", 0, false},
	}
	for _, tt := range tests {
		got, err := parseHz(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseHz(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestParseSingle(t *testing.T) {
	cmd, err := parse([]string{"-f", "2.4G", "-n", "-v", "2", "-cs=2"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.frequency != 2400000000 || cmd.sweep != nil || !cmd.dryRun {
		t.Errorf("command %+v", cmd)
	}
	if cmd.level != slog.LevelDebug || cmd.synth.Bus != plugins.BusCH341 || cmd.synth.CH341ChipSelect != 2 {
		t.Errorf("command %+v", cmd)
	}
}

func TestParseSweep(t *testing.T) {
	cmd, err := parse([]string{"-s", "-l", "100M", "-h", "200M", "-r", "1M", "-d", "50", "-bus", "none"})
	if err != nil {
		t.Fatal(err)
	}
	sw := cmd.sweep
	if sw == nil || sw.Low != 100000000 || sw.High != 200000000 || sw.Step != 1000000 {
		t.Fatalf("sweep %+v", sw)
	}
	if sw.Delay != 50*time.Millisecond || !sw.Repeat || !cmd.dryRun {
		t.Errorf("command %+v, sweep %+v", cmd, sw)
	}

	cmd, err = parse([]string{"-s", "-once", "-l", "1M", "-h", "2M", "-r", "1M", "-bus", "spi", "-dev", "/dev/spidev1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.sweep.Repeat || cmd.dryRun || cmd.synth.Bus != plugins.BusSPI || cmd.synth.SPIDevice != "/dev/spidev1.0" {
		t.Errorf("command %+v, sweep %+v", cmd, cmd.sweep)
	}
}

func TestParseErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"-f", "1G", "-l", "1M"},
		{"-s", "-f", "1G", "-l", "1M", "-h", "2M", "-r", "1k"},
		{"-s", "-l", "2M", "-h", "1M", "-r", "1k"},
		{"-f", "1G", "-v", "3"},
		{"-f", "1G", "-bus", "i2c"},
		{"-f", "1G", "extra"},
		{"-s", "-l", "1M", "-h", "2M"},
	} {
		if _, err := parse(args); err == nil {
			t.Errorf("parse(%q) succeeded", args)
		}
	}
}

func TestRunDrySingle(t *testing.T) {
	cmd, err := parse([]string{"-f", "2400000000", "-n"})
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), cmd, &out, slog.Default()); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"INT=96 FRAC=0 MOD=2", "R5 00580005", "R4 008C803C", "R0 00300000"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "R5") > strings.Index(text, "R0") {
		t.Errorf("registers not printed R5 first:\n%s", text)
	}
}

func TestRunDrySweepWithProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref10.yaml")
	if err := os.WriteFile(path, []byte("reference_frequency_hz: 10000000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, err := parse([]string{"-s", "-once", "-l", "2390M", "-h", "2400M", "-r", "5M", "-p", path, "-bus", "none"})
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), cmd, &out, slog.Default()); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || lines[0] != "1 2390000000 2390000000.000" || lines[2] != "1 2400000000 2400000000.000" {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestRunRejectsBadProfile(t *testing.T) {
	cmd, err := parse([]string{"-f", "1G", "-n", "-p", filepath.Join(t.TempDir(), "missing.yaml")})
	if err != nil {
		t.Fatal(err)
	}
	if err := run(context.Background(), cmd, &bytes.Buffer{}, slog.Default()); err == nil {
		t.Error("expected error for missing profile")
	}
}

func TestRunDrySweepProgress(t *testing.T) {
	cmd, err := parse([]string{"-s", "-once", "-l", "145M", "-h", "145.2M", "-r", "100k", "-n"})
	if err != nil {
		t.Fatal(err)
	}
	cmd.progress = true

	var out bytes.Buffer
	if err := run(context.Background(), cmd, &out, slog.Default()); err != nil {
		t.Fatal(err)
	}
	want := "\r 145.000000MHz    \r 145.100000MHz    \r 145.200000MHz    \n"
	if out.String() != want {
		t.Errorf("output %q, want %q", out.String(), want)
	}
}

func TestParseSerialDevice(t *testing.T) {
	cmd, err := parse([]string{"-f", "1G", "-bus", "serial", "-dev", "/dev/ttyUSB1"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.synth.Bus != plugins.BusSerial || cmd.synth.SerialDevice != "/dev/ttyUSB1" || cmd.synth.SPIDevice != "/dev/spidev0.0" {
		t.Errorf("synth config %+v", cmd.synth)
	}
}
