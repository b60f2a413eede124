// Command adf435xcfg solves ADF4350/ADF4351 register settings for a single
// frequency or a sweep, and optionally shifts them into a chip over spidev,
// a CH341 USB bridge or a serial bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/linht/synth-manager/adf435x"
	"github.com/linht/synth-manager/plugins"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"
	"golang.org/x/term"
)

const usage = `usage: adf435xcfg [-n] [-q] [-p PROFILE] [-bus ch341|spi|serial|none] [-dev DEVICE]
	[-cs N] [-v 0|1|2] (-f HZ | -s -l HZ -h HZ -r HZ [-d MS] [-once])

Frequencies accept k, M and G suffixes, e.g. -f 2.4G.

	-f	set the output frequency
	-s	sweep from -l to -h in steps of -r until interrupted
	-d	delay between sweep steps in milliseconds
	-once	stop the sweep after one pass
	-n	print registers only, never touch the bus
	-q	print nothing but errors
	-p	options file, same keys as a profile
	-bus	ch341 (default), spi, serial or none
	-dev	spidev or tty path, default /dev/spidev0.0 or /dev/ttyACM0
	-cs	CH341 chip select 0..3
	-v	log verbosity, 0 warn, 1 info, 2 debug
`

type command struct {
	frequency uint64
	sweep     *plugins.Sweep
	dryRun    bool
	quiet     bool
	progress  bool
	profile   string
	level     slog.Level
	synth     plugins.SynthConfig
}

func main() {
	cmd, err := parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cmd.level,
	}))
	slog.SetDefault(logger)

	cmd.progress = term.IsTerminal(int(os.Stdout.Fd()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, os.Stdout, logger); err != nil {
		slog.Error("adf435xcfg failed", "error", err)
		os.Exit(1)
	}
}

func parse(args []string) (*command, error) {
	flag, args := flags.New(args, "-s", "-n", "-q", "-once")
	parm, args := parms.New(args, "-f", "-l", "-h", "-r", "-d", "-p",
		"-bus", "-dev", "-cs", "-v")
	if len(args) > 0 {
		return nil, fmt.Errorf("%v: unexpected", args)
	}

	cmd := &command{
		dryRun:  flag.ByName["-n"],
		quiet:   flag.ByName["-q"],
		profile: parm.ByName["-p"],
		level:   slog.LevelWarn,
		synth:   plugins.DefaultSynthConfig(),
	}
	cmd.synth.Bus = plugins.BusCH341

	switch parm.ByName["-v"] {
	case "", "0":
	case "1":
		cmd.level = slog.LevelInfo
	case "2":
		cmd.level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("-v %s: want 0, 1 or 2", parm.ByName["-v"])
	}

	switch bus := parm.ByName["-bus"]; bus {
	case "":
	case "none":
		cmd.dryRun = true
	case plugins.BusSPI, plugins.BusCH341, plugins.BusSerial:
		cmd.synth.Bus = bus
	default:
		return nil, fmt.Errorf("-bus %s: want ch341, spi, serial or none", bus)
	}
	if s := parm.ByName["-dev"]; s != "" {
		if cmd.synth.Bus == plugins.BusSerial {
			cmd.synth.SerialDevice = s
		} else {
			cmd.synth.SPIDevice = s
		}
	}
	if s := parm.ByName["-cs"]; s != "" {
		cs, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("-cs: %w", err)
		}
		cmd.synth.CH341ChipSelect = cs
	}

	if !flag.ByName["-s"] {
		for _, name := range []string{"-l", "-h", "-r", "-d"} {
			if parm.ByName[name] != "" {
				return nil, fmt.Errorf("%s needs -s", name)
			}
		}
		f, err := parseHz(parm.ByName["-f"])
		if err != nil {
			return nil, fmt.Errorf("-f: %w", err)
		}
		cmd.frequency = f
		return cmd, nil
	}

	if parm.ByName["-f"] != "" {
		return nil, fmt.Errorf("-f excludes -s")
	}
	sw := &plugins.Sweep{Repeat: !flag.ByName["-once"]}
	for _, p := range []struct {
		name string
		dst  *uint64
	}{
		{"-l", &sw.Low},
		{"-h", &sw.High},
		{"-r", &sw.Step},
	} {
		v, err := parseHz(parm.ByName[p.name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		*p.dst = v
	}
	if s := parm.ByName["-d"]; s != "" {
		ms, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("-d: %w", err)
		}
		sw.Delay = time.Duration(ms) * time.Millisecond
	}
	if err := sw.Validate(); err != nil {
		return nil, err
	}
	cmd.sweep = sw

	return cmd, nil
}

// parseHz reads a frequency in Hz with an optional k, M or G multiplier.
func parseHz(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1e3
	case 'M':
		mult = 1e6
	case 'G':
		mult = 1e9
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	if mult == 1 {
		return strconv.ParseUint(s, 10, 64)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: negative frequency", s)
	}
	return uint64(v*mult + 0.5), nil
}

func run(ctx context.Context, cmd *command, w io.Writer, logger *slog.Logger) error {
	opts := cmd.synth.Options
	if cmd.profile != "" {
		var err error
		if opts, err = plugins.LoadOptionsFile(cmd.profile); err != nil {
			return err
		}
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	var ctrl *plugins.SynthController
	if cmd.dryRun {
		ctrl = plugins.NewSynthController(nil, nil, opts, logger)
	} else {
		var err error
		ctrl, err = plugins.OpenSynthController(plugins.OpenBus, cmd.synth, opts, logger)
		if err != nil {
			return err
		}
	}
	defer ctrl.Close()

	if cmd.sweep == nil {
		plan, err := program(ctx, ctrl, cmd.frequency, cmd.dryRun)
		if err != nil {
			return err
		}
		if !cmd.quiet {
			printPlan(w, plan)
		}
		return nil
	}

	var p plugins.Programmer = ctrl
	if cmd.dryRun {
		p = planner{ctrl}
	}
	err := plugins.RunSweep(ctx, p, *cmd.sweep, func(s plugins.SweepStep) {
		if s.Error != "" {
			logger.Warn("Sweep step failed", "frequency", s.Frequency, "error", s.Error)
			return
		}
		switch {
		case cmd.quiet:
		case cmd.progress:
			fmt.Fprintf(w, "\r %d.%06dMHz    ", s.Frequency/1000000, s.Frequency%1000000)
		default:
			fmt.Fprintf(w, "%d %d %.3f\n", s.Pass, s.Frequency, s.OutputHz)
		}
	})
	if cmd.progress && !cmd.quiet {
		fmt.Fprintln(w)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func program(ctx context.Context, ctrl *plugins.SynthController, freq uint64, dryRun bool) (plugins.Plan, error) {
	if dryRun {
		return ctrl.Plan(freq)
	}
	return ctrl.Program(ctx, freq)
}

// planner solves every sweep step without a bus.
type planner struct {
	ctrl *plugins.SynthController
}

func (p planner) Program(_ context.Context, freq uint64) (plugins.Plan, error) {
	return p.ctrl.Plan(freq)
}

func printPlan(w io.Writer, plan plugins.Plan) {
	s := plan.Settings
	fmt.Fprintf(w, "requested %d Hz, output %.3f Hz, vco %.3f Hz, pfd %d Hz\n",
		plan.Frequency, plan.OutputHz, plan.VCOHz, plan.PFDHz)
	fmt.Fprintf(w, "INT=%d FRAC=%d MOD=%d RDIV=%d BSCDIV=%d\n",
		s.Int, s.Frac, s.Mod, s.OutputDivider, s.BandSelectClockDivider)
	hex := plan.Hex()
	for i := adf435x.NumRegisters - 1; i >= 0; i-- {
		fmt.Fprintf(w, "R%d %s\n", i, strings.TrimPrefix(hex[i], "0x"))
	}
}
