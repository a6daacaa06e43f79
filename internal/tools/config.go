package tools

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gobwas/glob"
)

// ToolConfig holds configuration for the local tool system.
type ToolConfig struct {
	Enabled    []string      `mapstructure:"enabled"`     // Enabled tool spec names; empty means all
	Timeout    time.Duration `mapstructure:"timeout"`     // Default per-call timeout
	MaxTimeout time.Duration `mapstructure:"max_timeout"` // Upper bound for a bash timeout argument
	MaxBytes   int           `mapstructure:"max_bytes"`   // Output byte ceiling
	MaxLines   int           `mapstructure:"max_lines"`   // Output line ceiling
	DenyPaths  []string      `mapstructure:"deny_paths"`  // Glob patterns tools may not touch
	WorkDir    string        `mapstructure:"work_dir"`    // Base for relative paths; empty uses the process cwd
}

// DefaultToolConfig returns sensible defaults for tool configuration.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Enabled:    []string{},
		Timeout:    30 * time.Second,
		MaxTimeout: 300 * time.Second,
		MaxBytes:   50 * 1024,
		MaxLines:   2000,
		DenyPaths:  []string{},
	}
}

// Limits returns the output limits derived from the configuration.
func (c ToolConfig) Limits() OutputLimits {
	limits := DefaultOutputLimits()
	if c.MaxBytes > 0 {
		limits.MaxBytes = c.MaxBytes
	}
	if c.MaxLines > 0 {
		limits.MaxLines = c.MaxLines
	}
	return limits
}

// EnabledNames returns the tool names to register, in registration order.
func (c ToolConfig) EnabledNames() []string {
	if len(c.Enabled) == 0 {
		return AllToolNames()
	}
	enabled := make(map[string]bool, len(c.Enabled))
	for _, name := range c.Enabled {
		enabled[name] = true
	}
	var names []string
	for _, name := range AllToolNames() {
		if enabled[name] {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks the configuration for errors.
func (c *ToolConfig) Validate() []error {
	var errs []error

	for _, name := range c.Enabled {
		if !ValidToolName(name) {
			errs = append(errs, fmt.Errorf("unknown tool: %s", name))
		}
	}

	for _, pattern := range c.DenyPaths {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			slog.Warn("invalid deny_paths pattern", "pattern", pattern, "error", err)
			errs = append(errs, fmt.Errorf("invalid deny_paths pattern %q: %w", pattern, err))
		}
	}

	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout must not be negative"))
	}
	if c.MaxTimeout > 0 && c.Timeout > c.MaxTimeout {
		errs = append(errs, fmt.Errorf("tools.timeout %s exceeds max_timeout %s", c.Timeout, c.MaxTimeout))
	}

	return errs
}

// OutputLimits defines limits for tool output.
type OutputLimits struct {
	MaxLines      int // Max lines per output (default 2000)
	MaxBytes      int // Max bytes per output (default 50KiB)
	MaxLineLength int // Max characters per line for read/grep (default 2000)
	MaxResults    int // Max results for list/glob (default 100)
	MaxMatches    int // Max matches for grep (default 50)
}

// DefaultOutputLimits returns the default output limits.
func DefaultOutputLimits() OutputLimits {
	return OutputLimits{
		MaxLines:      2000,
		MaxBytes:      50 * 1024,
		MaxLineLength: 2000,
		MaxResults:    100,
		MaxMatches:    50,
	}
}
