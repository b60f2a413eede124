package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/linht/synth-manager/adf435x"
)

// SynthPlugin provides ADF435x frequency synthesizer control.
// Uses transient connections - opens the bus for each operation and
// releases it afterwards.
type SynthPlugin struct {
	config   SynthConfig
	opts     adf435x.Options
	optsMu   sync.RWMutex
	hwMu     sync.Mutex
	openBus  BusOpener
	profiles *ProfileStore
	sweeps   *SweepManager
	logger   *slog.Logger
}

// SynthConfig holds hardware configuration
type SynthConfig struct {
	Bus             string          `yaml:"bus" json:"bus"`
	SPIDevice       string          `yaml:"spi_device" json:"spi_device"`
	SPISpeed        uint32          `yaml:"spi_speed" json:"spi_speed"`
	LSBFirst        bool            `yaml:"lsb_first" json:"lsb_first"`
	CH341ChipSelect int             `yaml:"ch341_cs" json:"ch341_cs"`
	SerialDevice    string          `yaml:"serial_device" json:"serial_device"`
	SerialBaud      uint            `yaml:"serial_baud" json:"serial_baud"`
	OpenRetries     int             `yaml:"open_retries" json:"open_retries"`
	GPIOChip        string          `yaml:"gpio_chip" json:"gpio_chip"`
	ChipEnablePin   int             `yaml:"chip_enable_pin" json:"chip_enable_pin"`
	LockDetectPin   int             `yaml:"lock_detect_pin" json:"lock_detect_pin"`
	ProfilesDir     string          `yaml:"profiles_dir" json:"profiles_dir"`
	Options         adf435x.Options `yaml:"options" json:"options"`
}

// DefaultSynthConfig returns the configuration used for keys missing from
// config.yaml. Pins default to unused.
func DefaultSynthConfig() SynthConfig {
	return SynthConfig{
		Bus:           BusSPI,
		SPIDevice:     "/dev/spidev0.0",
		SPISpeed:      1000000,
		SerialDevice:  "/dev/ttyACM0",
		SerialBaud:    115200,
		ChipEnablePin: -1,
		LockDetectPin: -1,
		Options:       adf435x.DefaultOptions(),
	}
}

// NewSynthPlugin creates a new synthesizer plugin instance
func NewSynthPlugin(cfg SynthConfig) (*SynthPlugin, error) {
	if cfg.SPISpeed == 0 {
		cfg.SPISpeed = 1000000 // Default 1 MHz
	}
	if cfg.SerialBaud == 0 {
		cfg.SerialBaud = 115200
	}

	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid synth options: %w", err)
	}

	p := &SynthPlugin{
		config:  cfg,
		opts:    cfg.Options,
		openBus: OpenBus,
		logger:  slog.Default(),
	}
	p.sweeps = NewSweepManager(p.createController, p.logger)

	if cfg.ProfilesDir != "" {
		store, err := NewProfileStore(cfg.ProfilesDir)
		if err != nil {
			return nil, err
		}
		p.profiles = store
	}

	slog.Info("Synth plugin initializing",
		"bus", cfg.Bus,
		"spi_device", cfg.SPIDevice,
		"spi_speed", cfg.SPISpeed,
		"gpio_chip", cfg.GPIOChip,
		"device", cfg.Options.DeviceType,
		"reference_hz", cfg.Options.ReferenceFrequencyHz)

	return p, nil
}

// Name returns the plugin identifier
func (p *SynthPlugin) Name() string {
	return "synth"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *SynthPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/synth")

	api.Get("/info", p.handleInfo)
	api.Get("/probe", p.handleProbe)

	// Options
	api.Get("/options", p.handleGetOptions)
	api.Put("/options", p.handlePutOptions)

	// Frequency planning and programming
	api.Get("/plan", p.handlePlan)
	api.Post("/frequency", p.handleSetFrequency)
	api.Post("/decode", p.handleDecode)
	api.Get("/lock", p.handleLock)
	api.Post("/chip-enable", p.handleChipEnable)

	// Sweeps
	api.Get("/sweep", p.handleListSweeps)
	api.Post("/sweep", p.handleStartSweep)
	api.Get("/sweep/:id", p.handleGetSweep)
	api.Delete("/sweep/:id", p.handleCancelSweep)
	api.Get("/sweep/:id/ws", p.requireUpgrade, websocket.New(p.handleSweepWebSocket))

	// Profiles
	api.Get("/profiles", p.handleListProfiles)
	api.Get("/profiles/:name", p.handleGetProfile)
	api.Put("/profiles/:name", p.handlePutProfile)
	api.Delete("/profiles/:name", p.handleDeleteProfile)
	api.Post("/profiles/:name/apply", p.handleApplyProfile)

	slog.Info("Synth plugin routes registered")
}

// Shutdown stops running sweeps
func (p *SynthPlugin) Shutdown() error {
	p.sweeps.Shutdown()
	return nil
}

// Options returns a copy of the active options
func (p *SynthPlugin) Options() adf435x.Options {
	p.optsMu.RLock()
	defer p.optsMu.RUnlock()
	return p.opts
}

func (p *SynthPlugin) setOptions(opts adf435x.Options) {
	p.optsMu.Lock()
	p.opts = opts
	p.optsMu.Unlock()
}

// createController creates a temporary controller for an operation
func (p *SynthPlugin) createController() (*SynthController, error) {
	return OpenSynthController(p.openBus, p.config, p.Options(), p.logger)
}

// withController executes a function with a temporary controller. The
// hardware is refused while a sweep owns it.
func (p *SynthPlugin) withController(fn func(*SynthController) error) error {
	p.hwMu.Lock()
	defer p.hwMu.Unlock()

	if p.sweeps.Active() {
		return ErrSweepRunning
	}

	controller, err := p.createController()
	if err != nil {
		return err
	}
	defer controller.Close()

	return fn(controller)
}

func (p *SynthPlugin) handleInfo(c *fiber.Ctx) error {
	return SendSuccess(c, fiber.Map{
		"config":        p.config,
		"mode":          "transient",
		"pfd_hz":        adf435x.PFD(p.Options()),
		"sweep_running": p.sweeps.Active(),
	}, "")
}

// handleProbe checks that the configured bus and GPIO chip can be opened
// without writing anything to the synthesizer.
func (p *SynthPlugin) handleProbe(c *fiber.Ctx) error {
	p.hwMu.Lock()
	defer p.hwMu.Unlock()

	if p.sweeps.Active() {
		return SendFailure(c, ErrSweepRunning)
	}

	result := fiber.Map{}
	check := func(name string, err error) {
		if err != nil {
			slog.Warn("Hardware probe failed", "part", name, "error", err)
			result[name] = err.Error()
			return
		}
		result[name] = "ok"
	}

	switch p.config.Bus {
	case BusCH341:
		bus, err := NewCH341Bus(p.config.CH341ChipSelect)
		if err == nil {
			bus.Close()
		}
		check("bus", err)
	case BusSerial:
		bus, err := NewSerialBus(p.config.SerialDevice, p.config.SerialBaud)
		if err == nil {
			bus.Close()
		}
		check("bus", err)
	default:
		check("bus", ValidateSPIDevice(p.config.SPIDevice))
	}
	if p.config.GPIOChip != "" {
		check("gpio", ValidateGPIOChip(p.config.GPIOChip))
	}

	return SendSuccess(c, result, "")
}

// Options handlers

func (p *SynthPlugin) handleGetOptions(c *fiber.Ctx) error {
	return SendSuccess(c, p.Options(), "")
}

func (p *SynthPlugin) handlePutOptions(c *fiber.Ctx) error {
	// Fields missing from the body keep their current value.
	opts := p.Options()
	if err := c.BodyParser(&opts); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	if err := opts.Validate(); err != nil {
		return SendError(c, 422, err)
	}

	p.setOptions(opts)
	slog.Info("Synth options updated",
		"device", opts.DeviceType,
		"reference_hz", opts.ReferenceFrequencyHz,
		"channel_spacing_hz", opts.ChannelSpacingHz)
	return SendSuccess(c, opts, "Options updated")
}

// Frequency handlers

func (p *SynthPlugin) handlePlan(c *fiber.Ctx) error {
	freq, err := strconv.ParseUint(c.Query("frequency"), 10, 64)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid frequency")
	}

	ctrl := NewSynthController(nil, nil, p.Options(), p.logger)
	plan, err := ctrl.Plan(freq)
	if err != nil {
		return SendFailure(c, err)
	}

	return SendSuccess(c, planResponse(plan), "")
}

func (p *SynthPlugin) handleSetFrequency(c *fiber.Ctx) error {
	var req struct {
		Frequency uint64 `json:"frequency"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	var plan Plan
	err := p.withController(func(ctrl *SynthController) error {
		var err error
		plan, err = ctrl.Program(c.Context(), req.Frequency)
		return err
	})

	if err != nil {
		slog.Error("Failed to set frequency", "frequency", req.Frequency, "error", err)
		return SendFailure(c, err)
	}

	slog.Info("Frequency set", "frequency", req.Frequency, "output_hz", plan.OutputHz)
	return SendSuccess(c, planResponse(plan), "Frequency set successfully")
}

func planResponse(plan Plan) fiber.Map {
	return fiber.Map{
		"frequency":     plan.Frequency,
		"settings":      plan.Settings,
		"registers":     plan.Registers,
		"registers_hex": plan.Hex(),
		"pfd_hz":        plan.PFDHz,
		"output_hz":     plan.OutputHz,
		"vco_hz":        plan.VCOHz,
	}
}

func (p *SynthPlugin) handleDecode(c *fiber.Ctx) error {
	var req struct {
		Registers []uint32            `json:"registers"`
		Device    *adf435x.DeviceType `json:"device"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	regs, err := ParseRegisterWords(req.Registers)
	if err != nil {
		return SendError(c, 400, err)
	}

	device := p.Options().DeviceType
	if req.Device != nil {
		device = *req.Device
	}

	opts, settings, err := adf435x.Unpack(regs, device)
	if err != nil {
		return SendError(c, 400, err)
	}

	// The reference is not in the registers; assume the configured one.
	cur := p.Options()
	opts.ReferenceFrequencyHz = cur.ReferenceFrequencyHz
	opts.ChannelSpacingHz = cur.ChannelSpacingHz

	return SendSuccess(c, fiber.Map{
		"options":   opts,
		"settings":  settings,
		"registers": DescribeRegisters(regs, device),
		"output_hz": adf435x.OutputFrequency(opts, settings),
	}, "")
}

func (p *SynthPlugin) handleLock(c *fiber.Ctx) error {
	if p.config.GPIOChip == "" || p.config.LockDetectPin < 0 {
		return SendErrorMessage(c, 400, "Lock detect pin not configured")
	}

	var locked bool
	err := p.withController(func(ctrl *SynthController) error {
		var err error
		locked, err = ctrl.Locked()
		return err
	})

	if err != nil {
		return SendFailure(c, err)
	}

	return SendSuccess(c, fiber.Map{
		"locked": locked,
	}, "")
}

func (p *SynthPlugin) handleChipEnable(c *fiber.Ctx) error {
	if p.config.GPIOChip == "" || p.config.ChipEnablePin < 0 {
		return SendErrorMessage(c, 400, "Chip enable pin not configured")
	}

	var req struct {
		Enable bool `json:"enable"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	err := p.withController(func(ctrl *SynthController) error {
		return ctrl.SetChipEnable(req.Enable)
	})

	if err != nil {
		return SendFailure(c, err)
	}

	slog.Info("Chip enable", "enable", req.Enable)
	return SendSuccess(c, nil, fmt.Sprintf("Synthesizer %s", map[bool]string{true: "enabled", false: "disabled"}[req.Enable]))
}

// Sweep handlers

func (p *SynthPlugin) handleStartSweep(c *fiber.Ctx) error {
	var req struct {
		Low     uint64 `json:"low"`
		High    uint64 `json:"high"`
		Step    uint64 `json:"step"`
		DelayMS int64  `json:"delay_ms"`
		Repeat  bool   `json:"repeat"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	sw := Sweep{
		Low:    req.Low,
		High:   req.High,
		Step:   req.Step,
		Delay:  time.Duration(req.DelayMS) * time.Millisecond,
		Repeat: req.Repeat,
	}
	if err := sw.Validate(); err != nil {
		return SendError(c, 400, err)
	}

	p.hwMu.Lock()
	id, err := p.sweeps.Start(sw)
	p.hwMu.Unlock()
	if err != nil {
		return SendFailure(c, err)
	}

	return SendSuccess(c, fiber.Map{
		"id":    id,
		"steps": sw.Steps(),
	}, "Sweep started")
}

func (p *SynthPlugin) handleListSweeps(c *fiber.Ctx) error {
	return SendSuccess(c, p.sweeps.List(), "")
}

func (p *SynthPlugin) handleGetSweep(c *fiber.Ctx) error {
	status, ok := p.sweeps.Status(c.Params("id"))
	if !ok {
		return SendErrorMessage(c, 404, "Sweep not found")
	}
	return SendSuccess(c, status, "")
}

func (p *SynthPlugin) handleCancelSweep(c *fiber.Ctx) error {
	id := c.Params("id")
	if !p.sweeps.Cancel(id) {
		return SendErrorMessage(c, 404, "Sweep not found")
	}
	slog.Info("Sweep cancelled", "id", id)
	return SendSuccess(c, nil, "Sweep cancelled")
}

// requireUpgrade rejects plain HTTP requests on the websocket route
func (p *SynthPlugin) requireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, ok := p.sweeps.Status(c.Params("id")); !ok {
		return SendErrorMessage(c, 404, "Sweep not found")
	}
	return c.Next()
}

// handleSweepWebSocket streams sweep steps until the sweep ends, then sends
// the final status.
func (p *SynthPlugin) handleSweepWebSocket(c *websocket.Conn) {
	id := c.Params("id")

	steps, unsubscribe, ok := p.sweeps.Subscribe(id)
	if !ok {
		c.WriteJSON(fiber.Map{"error": "Sweep not found"})
		return
	}
	defer unsubscribe()

	for step := range steps {
		if err := c.WriteJSON(fiber.Map{"type": "step", "step": step}); err != nil {
			slog.Debug("Sweep websocket closed", "id", id, "error", err)
			return
		}
	}

	if done, ok := p.sweeps.Done(id); ok {
		<-done
	}
	status, _ := p.sweeps.Status(id)
	c.WriteJSON(fiber.Map{"type": "status", "status": status})
}

// Profile handlers

func (p *SynthPlugin) requireProfiles(c *fiber.Ctx) bool {
	if p.profiles == nil {
		SendErrorMessage(c, 404, "Profiles are not configured")
		return false
	}
	return true
}

func (p *SynthPlugin) handleListProfiles(c *fiber.Ctx) error {
	if !p.requireProfiles(c) {
		return nil
	}

	names, err := p.profiles.List()
	if err != nil {
		return SendError(c, 500, err)
	}
	return SendSuccess(c, names, "")
}

func (p *SynthPlugin) handleGetProfile(c *fiber.Ctx) error {
	if !p.requireProfiles(c) {
		return nil
	}

	opts, err := p.profiles.Load(c.Params("name"))
	if err != nil {
		return SendFailure(c, err)
	}
	return SendSuccess(c, opts, "")
}

func (p *SynthPlugin) handlePutProfile(c *fiber.Ctx) error {
	if !p.requireProfiles(c) {
		return nil
	}

	// Start from the active options so a partial body still makes a
	// complete profile.
	opts := p.Options()
	if err := c.BodyParser(&opts); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	if err := opts.Validate(); err != nil {
		return SendError(c, 422, err)
	}

	name := c.Params("name")
	if err := p.profiles.Save(name, opts); err != nil {
		return SendFailure(c, err)
	}

	slog.Info("Profile saved", "name", name)
	return SendSuccess(c, opts, "Profile saved")
}

func (p *SynthPlugin) handleDeleteProfile(c *fiber.Ctx) error {
	if !p.requireProfiles(c) {
		return nil
	}

	name := c.Params("name")
	if err := p.profiles.Delete(name); err != nil {
		return SendFailure(c, err)
	}

	slog.Info("Profile deleted", "name", name)
	return SendSuccess(c, nil, "Profile deleted")
}

func (p *SynthPlugin) handleApplyProfile(c *fiber.Ctx) error {
	if !p.requireProfiles(c) {
		return nil
	}

	name := c.Params("name")
	opts, err := p.profiles.Load(name)
	if err != nil {
		return SendFailure(c, err)
	}
	if err := opts.Validate(); err != nil {
		return SendError(c, 422, err)
	}

	p.setOptions(opts)
	slog.Info("Profile applied", "name", name)
	return SendSuccess(c, opts, "Profile applied")
}

// Register the plugin
func init() {
	Register("synth", func(config interface{}) (Plugin, error) {
		switch cfg := config.(type) {
		case SynthConfig:
			return NewSynthPlugin(cfg)
		case *SynthConfig:
			if cfg == nil {
				return nil, errors.New("invalid config for synth plugin")
			}
			return NewSynthPlugin(*cfg)
		case nil:
			return NewSynthPlugin(DefaultSynthConfig())
		default:
			return nil, fmt.Errorf("invalid config for synth plugin")
		}
	})
}
