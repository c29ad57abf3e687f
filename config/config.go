// Package config loads the knobs named in spec §6: MAX_NB_CRASHED,
// MSG_DELAY, CONS_DELAY and the consensus round cap, plus the ambient
// transport/logging knobs the distilled spec is silent on. Flags follow
// the pattern goshawkdb.io/server binaries use for their own
// configuration package, re-expressed here with spf13/pflag since no
// richer config library ships in this pack.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Config holds every runtime-tunable knob the core depends on.
type Config struct {
	// MaxCrashed is F, the assumed maximum number of simultaneous
	// crashes. The backup/coordinator/follower split derives from it.
	MaxCrashed int
	// MsgDelay is the phase-0/phase-1 timer base (spec's MSG_DELAY).
	MsgDelay time.Duration
	// ConsDelay upper-bounds the consensus round's random timeout
	// (spec's CONS_DELAY).
	ConsDelay time.Duration
	// RoundCap bounds consensus rounds before the liveness fallback
	// forces a false decision. Spec fixes this at 1000.
	RoundCap int

	// ListenAddr is the local RPC listen address.
	ListenAddr string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is logfmt or json.
	LogFormat string
	// StatusAddr, if non-empty, serves the live status tree over HTTP.
	StatusAddr string
}

// Default returns the spec-mandated defaults: F=1, MSG_DELAY=50ms,
// CONS_DELAY=200ms, RoundCap=1000.
func Default() Config {
	return Config{
		MaxCrashed: 1,
		MsgDelay:   50 * time.Millisecond,
		ConsDelay:  200 * time.Millisecond,
		RoundCap:   1000,
		ListenAddr: ":7890",
		LogLevel:   "info",
		LogFormat:  "logfmt",
	}
}

// ParseFlags binds Config fields to command-line flags on fs (pass
// pflag.CommandLine for the program's real flags), applies environment
// overrides, then parses args.
func ParseFlags(fs *pflag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	fs.IntVar(&cfg.MaxCrashed, "max-crashed", cfg.MaxCrashed, "maximum number of simultaneous crashes tolerated (F)")
	fs.DurationVar(&cfg.MsgDelay, "msg-delay", cfg.MsgDelay, "phase timer base delay")
	fs.DurationVar(&cfg.ConsDelay, "cons-delay", cfg.ConsDelay, "upper bound for the consensus round's random timeout")
	fs.IntVar(&cfg.RoundCap, "round-cap", cfg.RoundCap, "consensus round cap before forcing a false decision")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "local RPC listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "logfmt or json")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "address to serve the status tree on, empty to disable")

	applyEnvOverrides(fs)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnvOverrides(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		envKey := "INBAC_" + envName(f.Name)
		if v, ok := os.LookupEnv(envKey); ok {
			_ = f.Value.Set(v)
		}
	})
}

func envName(flagName string) string {
	out := make([]byte, 0, len(flagName))
	for _, r := range flagName {
		if r == '-' {
			out = append(out, '_')
		} else if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-'a'+'A'))
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

// Validate rejects configurations the protocol cannot run under.
func (c Config) Validate() error {
	if c.MaxCrashed < 0 {
		return fmt.Errorf("config: max-crashed must be >= 0, got %d", c.MaxCrashed)
	}
	if c.MsgDelay <= 0 {
		return fmt.Errorf("config: msg-delay must be positive, got %v", c.MsgDelay)
	}
	if c.ConsDelay <= 0 {
		return fmt.Errorf("config: cons-delay must be positive, got %v", c.ConsDelay)
	}
	if c.RoundCap <= 0 {
		return fmt.Errorf("config: round-cap must be positive, got %d", c.RoundCap)
	}
	return nil
}
