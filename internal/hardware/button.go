package hardware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Button defaults.
const (
	DefaultButtonPin     = 26
	DefaultDebounce      = time.Second
	DefaultPollInterval  = 20 * time.Millisecond
	DefaultGPIOSysfsRoot = "/sys/class/gpio"

	exportSettle = 100 * time.Millisecond
)

// ErrGPIOUnavailable is returned when the pin cannot be exported or read.
var ErrGPIOUnavailable = errors.New("hardware: gpio unavailable")

// ButtonConfig configures a Button.
type ButtonConfig struct {
	Pin          int
	Debounce     time.Duration
	PollInterval time.Duration
	SysfsRoot    string
}

// Button watches an active-low push button through sysfs GPIO and calls
// the press handler on every falling edge, at most once per debounce window.
type Button struct {
	cfg    ButtonConfig
	press  func()
	logger Logger

	// now is replaced in tests.
	now func() time.Time
}

// NewButton returns a button that calls press when the pin goes low.
// Zero config values take the package defaults.
func NewButton(cfg ButtonConfig, press func()) *Button {
	if cfg.Pin <= 0 {
		cfg.Pin = DefaultButtonPin
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = DefaultGPIOSysfsRoot
	}
	return &Button{
		cfg:    cfg,
		press:  press,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger.
func (b *Button) SetLogger(l Logger) {
	if l != nil {
		b.logger = l
	}
}

func (b *Button) pinDir() string {
	return filepath.Join(b.cfg.SysfsRoot, "gpio"+strconv.Itoa(b.cfg.Pin))
}

// setup exports the pin if needed and configures it as an input.
func (b *Button) setup() error {
	dir := b.pinDir()
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		export := filepath.Join(b.cfg.SysfsRoot, "export")
		if err := os.WriteFile(export, []byte(strconv.Itoa(b.cfg.Pin)), 0o644); err != nil {
			return fmt.Errorf("%w: exporting pin %d: %w", ErrGPIOUnavailable, b.cfg.Pin, err)
		}
		// udev needs a moment to fix permissions on the new files.
		time.Sleep(exportSettle)
	}

	direction := filepath.Join(dir, "direction")
	if err := os.WriteFile(direction, []byte("in"), 0o644); err != nil {
		b.logger.Warn("could not set gpio direction", "pin", b.cfg.Pin, "error", err)
	}
	return nil
}

func (b *Button) read(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("1")), nil
}

// Run polls the pin until ctx is cancelled. It returns an error only if the
// pin cannot be set up or read at startup.
func (b *Button) Run(ctx context.Context) error {
	if err := b.setup(); err != nil {
		return err
	}

	valuePath := filepath.Join(b.pinDir(), "value")
	high, err := b.read(valuePath)
	if err != nil {
		return fmt.Errorf("%w: reading pin %d: %w", ErrGPIOUnavailable, b.cfg.Pin, err)
	}

	b.logger.Info("start button armed", "pin", b.cfg.Pin, "debounce", b.cfg.Debounce)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	var lastPress time.Time
	readFailing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		level, err := b.read(valuePath)
		if err != nil {
			if !readFailing {
				b.logger.Warn("gpio read failed", "pin", b.cfg.Pin, "error", err)
				readFailing = true
			}
			continue
		}
		readFailing = false

		falling := high && !level
		high = level
		if !falling {
			continue
		}

		now := b.now()
		if !lastPress.IsZero() && now.Sub(lastPress) < b.cfg.Debounce {
			b.logger.Debug("start button bounce ignored", "pin", b.cfg.Pin)
			continue
		}
		lastPress = now

		b.logger.Info("start button pressed", "pin", b.cfg.Pin)
		if b.press != nil {
			b.press()
		}
	}
}
