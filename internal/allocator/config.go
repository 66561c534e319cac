package allocator

import "time"

// ZeroInitStrategy selects when an Arena's chunks are to read as zero. It is
// stored in Config only: no allocator code reads it, so Alloc never zeroes
// a chunk under either value and only Zalloc zero-fills.
type ZeroInitStrategy int

const (
	// ZeroInitLazy leaves freshly committed pages exactly as the OS hands
	// them back (already zero, via MAP_ANONYMOUS) and never re-zeroes a
	// chunk on reuse; callers that need zeroed memory ask for it
	// explicitly through Zalloc instead of paying the cost on every Alloc.
	ZeroInitLazy ZeroInitStrategy = iota
	// ZeroInitEager names zeroing every chunk before handing it back; as
	// noted on ZeroInitStrategy, selecting it does not change what Alloc
	// does.
	ZeroInitEager
)

// Config tunes allocator behavior. Construct one with default values via
// NewConfig and override fields with Option functions.
type Config struct {
	AlignmentSize uintptr
	MemoryLimit   uintptr

	EnableTracking  bool
	EnableDebug     bool
	EnableLeakCheck bool

	// ReleaseLocalInterval, PoisonOnCorrupt and DecommitQuiescentPools are
	// stored settings only: the tuning package may update them, but no
	// allocator code reads them. No background sweep runs, freed blocks are
	// not poisoned or checked, and an EMPTY pool keeps its committed pages
	// until its region is released.
	ReleaseLocalInterval time.Duration

	PoisonOnCorrupt bool

	DecommitQuiescentPools bool

	ZeroInitStrategy ZeroInitStrategy
}

type Option func(*Config)

// NewConfig builds a Config from defaults plus the given overrides.
func NewConfig(opts ...Option) *Config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func defaultConfig() *Config {
	return &Config{
		AlignmentSize:    16,
		MemoryLimit:      0, // unlimited
		EnableTracking:   true,
		EnableDebug:      false,
		EnableLeakCheck:  true,
		ZeroInitStrategy: ZeroInitLazy,
	}
}

func WithTracking(enabled bool) Option {
	return func(c *Config) { c.EnableTracking = enabled }
}

func WithDebug(enabled bool) Option {
	return func(c *Config) { c.EnableDebug = enabled }
}

func WithLeakCheck(enabled bool) Option {
	return func(c *Config) { c.EnableLeakCheck = enabled }
}

func WithAlignment(alignment uintptr) Option {
	return func(c *Config) { c.AlignmentSize = alignment }
}

func WithMemoryLimit(limit uintptr) Option {
	return func(c *Config) { c.MemoryLimit = limit }
}

func WithReleaseLocalInterval(d time.Duration) Option {
	return func(c *Config) { c.ReleaseLocalInterval = d }
}

func WithPoisonOnCorrupt(enabled bool) Option {
	return func(c *Config) { c.PoisonOnCorrupt = enabled }
}

func WithDecommitQuiescentPools(enabled bool) Option {
	return func(c *Config) { c.DecommitQuiescentPools = enabled }
}

func WithZeroInitStrategy(s ZeroInitStrategy) Option {
	return func(c *Config) { c.ZeroInitStrategy = s }
}
