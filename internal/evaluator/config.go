package evaluator

import (
	"time"

	"github.com/kination/helmsman/internal/ast"
)

// Config holds evaluator limits
type Config struct {
	// MaxReparseAttempts is the number of replacements tried for one failing node
	MaxReparseAttempts int

	// MapParallelism caps the children of a map node evaluated at once
	MapParallelism int

	// MaxNesting caps how deep evaluation may descend, counting replacements
	MaxNesting int

	// ExecuteTimeout bounds each execution collaborator call; 0 disables it
	ExecuteTimeout time.Duration

	// MaxActiveTasks caps concurrent collaborator calls across the whole walk; 0 is unlimited
	MaxActiveTasks int
}

// DefaultConfig returns the default evaluator configuration
func DefaultConfig() Config {
	return Config{
		MaxReparseAttempts: 3,
		MapParallelism:     4,
		MaxNesting:         ast.MaxNesting,
		ExecuteTimeout:     5 * time.Minute,
	}
}

// withDefaults fills unset limits. A negative MaxReparseAttempts disables reparsing.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxReparseAttempts == 0 {
		c.MaxReparseAttempts = d.MaxReparseAttempts
	}
	if c.MaxReparseAttempts < 0 {
		c.MaxReparseAttempts = 0
	}
	if c.MapParallelism <= 0 {
		c.MapParallelism = d.MapParallelism
	}
	if c.MaxNesting <= 0 {
		c.MaxNesting = d.MaxNesting
	}
	return c
}
