package ibuf

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tuning constants ported from InnoDB's ibuf0ibuf.c, where they are literal
// #defines rather than anything configurable. They describe the physical
// layout of a bitmap page and the contraction thresholds, not policy a
// deployment would reasonably want to change, so they stay as untyped
// constants rather than Config fields.
const (
	// BitsPerPage is the number of bits a bitmap page spends on each page
	// it describes: 2 bits of quantized free space plus one "buffered"
	// bit plus one "is an ibuf page" bit.
	BitsPerPage = 4

	// MergeArea is the width, in target pages, of the (space,
	// page_no/MergeArea) windows the Contractor groups buffered records
	// into, and the default number of target pages one contract pass
	// merges (lowered by budget_pages and BudgetPagesPerContract).
	MergeArea = 8

	// MergeThreshold sets the volume ratio an asynchronous contract pass
	// requires: a window is merged only when its buffered volume exceeds
	// (MergeThreshold-1)/MergeThreshold of the page size.
	MergeThreshold = 4

	// SyncMargin is InnoDB's IBUF_CONTRACT_ON_INSERT_SYNC margin. No code
	// path in this package reads it: TryBuffer contracts synchronously
	// only at the HardMargin size gate, and asynchronously only through
	// the bitmap-full hook.
	SyncMargin = 5

	// HardMargin is the number of pages beyond MaxSize at which
	// try_buffer refuses to buffer (RejectedTryAgain) and triggers a
	// synchronous contraction (IBUF_CONTRACT_DO_NOT_INSERT).
	HardMargin = 10
)

// IbufUse mirrors InnoDB's innodb_change_buffering levels this engine
// supports: whether modifications are buffered at all, and whether
// buffering activity is counted.
type IbufUse int

const (
	// IbufUseNone disables buffering entirely: try_buffer always returns
	// RejectedTryAgain so the caller applies directly.
	IbufUseNone IbufUse = iota
	// IbufUseInsert buffers modifications normally (the default).
	IbufUseInsert
	// IbufUseCount behaves exactly like IbufUseInsert: NInserts is
	// incremented for every deferred modification in both modes. It is
	// kept distinct from IbufUseInsert because InnoDB itself tracks them
	// as different settings.
	IbufUseCount
)

// String renders the YAML-facing spelling of u.
func (u IbufUse) String() string {
	switch u {
	case IbufUseNone:
		return "NONE"
	case IbufUseInsert:
		return "INSERT"
	case IbufUseCount:
		return "COUNT"
	default:
		return "UNKNOWN"
	}
}

// UnmarshalYAML accepts the bare enum names
// ("NONE"/"INSERT"/"COUNT"), case-insensitively.
func (u *IbufUse) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToUpper(s) {
	case "", "INSERT":
		*u = IbufUseInsert
	case "NONE":
		*u = IbufUseNone
	case "COUNT":
		*u = IbufUseCount
	default:
		return fmt.Errorf("ibuf: unknown ibuf_use value %q", s)
	}
	return nil
}

// Config holds the deployment-tunable parameters of the insert buffer.
// All fields are safe to leave at DefaultConfig() values.
type Config struct {
	// MaxSizePercent caps the auxiliary tree's size as a percentage of
	// total buffer-pool pages. try_buffer refuses new inserts once the
	// tree's size reaches this page count plus HardMargin.
	MaxSizePercent int `yaml:"max_size_percent"`

	// BudgetPagesPerContract caps how many target pages a single
	// contract() call merges, alongside the caller-supplied budget_pages
	// argument — a deployment-wide ceiling.
	BudgetPagesPerContract int `yaml:"budget_pages_per_contract"`

	// BackgroundInterval is how often the scheduler fires an
	// asynchronous contract(sync=false, ...) pass.
	BackgroundInterval string `yaml:"background_interval"`

	// BackgroundCron, if set, overrides BackgroundInterval with a cron
	// expression (seconds field included, per robfig/cron/v3 WithSeconds).
	BackgroundCron string `yaml:"background_cron"`

	// PageSize is the page size of the underlying pager; the insert
	// buffer never chooses its own, it inherits the database's.
	PageSize int `yaml:"-"`

	// Use gates whether TryBuffer defers modifications at all
	// (IbufUseNone forces direct application); IbufUseInsert and
	// IbufUseCount behave the same.
	Use IbufUse `yaml:"ibuf_use"`

	// DebugForceCrashBeforePhysicalDelete is test-only fault injection:
	// MergeForPage returns
	// ErrForcedCrashBeforePhysicalDelete after delete-marking every
	// buffered record for a page but before physically removing any of
	// them, simulating a crash mid-merge so tests can assert the
	// delete-mark protocol actually recovers.
	DebugForceCrashBeforePhysicalDelete bool `yaml:"debug_force_crash_before_physical_delete"`

	// BufferPoolPages overrides the assumed total buffer-pool capacity
	// (in pages) that MaxSizePercent is a fraction of. Zero means "use
	// the built-in default assumption"; a deployment that stands up a
	// storage.BufferPool with a real memory budget should derive this
	// from GetMemoryLimit()/PageSize rather than leave the guess in
	// place (see cmd/ibufctl/main.go).
	BufferPoolPages int `yaml:"buffer_pool_pages"`
}

// DefaultConfig returns the tuning InnoDB itself ships with: a 5% size
// cap, a 20-page ceiling per contract pass, and background contraction
// every five seconds.
func DefaultConfig() Config {
	return Config{
		MaxSizePercent:         5,
		BudgetPagesPerContract: 20,
		BackgroundInterval:     "5s",
		Use:                    IbufUseInsert,
	}
}

// LoadConfig reads a YAML configuration file and overlays it onto
// DefaultConfig().
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("ibuf: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("ibuf: parse config %s: %w", path, err)
	}
	if cfg.MaxSizePercent <= 0 || cfg.MaxSizePercent > 100 {
		return cfg, fmt.Errorf("ibuf: max_size_percent out of range: %d", cfg.MaxSizePercent)
	}
	return cfg, nil
}
