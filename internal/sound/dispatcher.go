// Package sound plays a local notification sound when a firing alert arrives.
//
// Playback is fire-and-forget: Dispatch never blocks the caller, never returns
// an error, and is throttled so that an alert storm cannot spawn an unbounded
// number of player processes.
package sound

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"alerthook/internal/alert"
	"alerthook/internal/config"
	"alerthook/internal/security"
	"alerthook/pkg/cmdutil"

	"golang.org/x/time/rate"
)

const (
	// PlayInterval is the sustained rate at which sounds may start
	PlayInterval = 2 * time.Second

	// PlayBurst is the number of sounds allowed back to back
	PlayBurst = 3

	// MaxConcurrentPlays bounds the number of running player processes
	MaxConcurrentPlays = 2

	// PlayTimeout kills a player that has not exited
	PlayTimeout = 10 * time.Second
)

// Platform player commands. {{SOUND}} is the sound name, {{VOLUME}} the
// configured volume and {{VOLUME_PA}} the volume scaled for PulseAudio.
const (
	DarwinCommand = "afplay -v {{VOLUME}} /System/Library/Sounds/{{SOUND}}.aiff"
	LinuxCommand  = "paplay --volume={{VOLUME_PA}} /usr/share/sounds/freedesktop/stereo/{{SOUND}}.oga"
)

// Runner executes a player command; cmdutil.Run in production
type Runner func(ctx context.Context, opts cmdutil.ExecOptions, cmdParts []string) (*cmdutil.Result, error)

// Dispatcher starts the player for firing alerts
type Dispatcher struct {
	enabled bool
	command []string
	logger  *slog.Logger
	limiter *rate.Limiter
	slots   chan struct{}
	run     Runner
	wg      sync.WaitGroup
}

// NewDispatcher builds the player command for this platform from cfg.
//
// An invalid or unsupported command is logged and disables playback; it is
// never a startup error because sound is an optional convenience.
func NewDispatcher(cfg config.SoundConfig, logger *slog.Logger) *Dispatcher {
	return newDispatcher(cfg, runtime.GOOS, cmdutil.Run, logger)
}

func newDispatcher(cfg config.SoundConfig, goos string, run Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		enabled: cfg.Enabled,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(PlayInterval), PlayBurst),
		slots:   make(chan struct{}, MaxConcurrentPlays),
		run:     run,
	}

	if !cfg.Enabled {
		return d
	}

	command, err := BuildCommand(cfg, goos)
	if err != nil {
		logger.Warn("Sound playback disabled", "error", err, "os", goos)
		d.enabled = false
		return d
	}

	d.command = command
	logger.Info("Sound playback enabled", "command", cmdutil.FormatCommand(command))
	return d
}

// BuildCommand resolves the player command for goos and validates it
func BuildCommand(cfg config.SoundConfig, goos string) ([]string, error) {
	tmpl := cfg.Command
	if tmpl == "" {
		switch goos {
		case "darwin":
			tmpl = DarwinCommand
		case "linux":
			tmpl = LinuxCommand
		default:
			return nil, &UnsupportedPlatformError{GOOS: goos}
		}
	}

	parts, err := cmdutil.ParseCommandTemplate(tmpl, map[string]string{
		"SOUND":     cfg.Name,
		"VOLUME":    strconv.FormatFloat(cfg.Volume, 'f', -1, 64),
		"VOLUME_PA": strconv.Itoa(int(cfg.Volume * 65536)),
	})
	if err != nil {
		return nil, err
	}

	if err := security.ValidatePlayerCommand(parts, nil); err != nil {
		return nil, err
	}

	return parts, nil
}

// UnsupportedPlatformError is returned when no default player exists for the OS
type UnsupportedPlatformError struct {
	GOOS string
}

func (e *UnsupportedPlatformError) Error() string {
	return "no default sound player for " + e.GOOS + " (set SOUND_COMMAND)"
}

// Dispatch starts the player in the background when p is firing.
// It reports whether a playback was started.
func (d *Dispatcher) Dispatch(p *alert.Payload) bool {
	if !d.enabled || p == nil || !p.Firing() {
		return false
	}

	if !d.limiter.Allow() {
		d.logger.Debug("Sound throttled", "alert", p.Summary())
		return false
	}

	select {
	case d.slots <- struct{}{}:
	default:
		d.logger.Debug("Sound skipped, player busy", "alert", p.Summary())
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		d.play(p.Summary())
	}()

	return true
}

func (d *Dispatcher) play(summary string) {
	result, err := d.run(context.Background(), cmdutil.ExecOptions{Timeout: PlayTimeout}, d.command)
	if err != nil {
		attrs := []any{"error", err, "alert", summary}
		if result != nil && len(result.Output) > 0 {
			attrs = append(attrs, "output", string(result.Output))
		}
		d.logger.Warn("Sound playback failed", attrs...)
		return
	}

	d.logger.Debug("Sound played", "alert", summary, "duration_ms", result.Duration.Milliseconds())
}

// Enabled reports whether playback is configured and supported
func (d *Dispatcher) Enabled() bool {
	return d.enabled
}

// Wait blocks until every running player has exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
