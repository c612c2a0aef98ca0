package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conduit-protocol/conduit-go/pkg/log"
)

// Default option values.
const (
	// DefaultWriteBufferHighWaterMark is the write-buffer size above
	// which a connection reports itself unwritable.
	DefaultWriteBufferHighWaterMark = 64 * 1024

	// DefaultWriteBufferLowWaterMark is the write-buffer size below
	// which a connection reports itself writable again.
	DefaultWriteBufferLowWaterMark = 32 * 1024

	// DefaultWriteSpinCount is the number of consecutive write attempts
	// per flush before yielding.
	DefaultWriteSpinCount = 16
)

// Option validation errors.
var (
	// ErrInvalidWatermark indicates a negative watermark or one that
	// would violate the low <= high ordering.
	ErrInvalidWatermark = errors.New("invalid write buffer watermark")

	// ErrInvalidSpinCount indicates a non-positive write spin count.
	ErrInvalidSpinCount = errors.New("write spin count must be positive")
)

// Config is the mutable option set of one connection. Safe for
// concurrent use. The zero value is not usable; call NewConfig.
type Config struct {
	mu        sync.Mutex
	highWater int
	lowWater  int
	spinCount int

	logger log.Logger
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		highWater: DefaultWriteBufferHighWaterMark,
		lowWater:  DefaultWriteBufferLowWaterMark,
		spinCount: DefaultWriteSpinCount,
		logger:    log.NoopLogger{},
	}
}

// SetLogger configures event logging. Pass nil to disable.
func (c *Config) SetLogger(logger log.Logger) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// WriteBufferHighWaterMark returns the high watermark in bytes.
func (c *Config) WriteBufferHighWaterMark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highWater
}

// SetWriteBufferHighWaterMark sets the high watermark. The value must
// be non-negative and not below the current low watermark.
func (c *Config) SetWriteBufferHighWaterMark(v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v < 0 {
		return fmt.Errorf("%w: high watermark %d is negative", ErrInvalidWatermark, v)
	}
	if v < c.lowWater {
		return fmt.Errorf("%w: high watermark %d below low watermark %d",
			ErrInvalidWatermark, v, c.lowWater)
	}
	c.highWater = v
	return nil
}

// WriteBufferLowWaterMark returns the low watermark in bytes.
func (c *Config) WriteBufferLowWaterMark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowWater
}

// SetWriteBufferLowWaterMark sets the low watermark. The value must be
// non-negative and not above the current high watermark.
func (c *Config) SetWriteBufferLowWaterMark(v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v < 0 {
		return fmt.Errorf("%w: low watermark %d is negative", ErrInvalidWatermark, v)
	}
	if v > c.highWater {
		return fmt.Errorf("%w: low watermark %d above high watermark %d",
			ErrInvalidWatermark, v, c.highWater)
	}
	c.lowWater = v
	return nil
}

// WriteSpinCount returns the write spin count.
func (c *Config) WriteSpinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spinCount
}

// SetWriteSpinCount sets the write spin count. The value must be
// positive.
func (c *Config) SetWriteSpinCount(v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSpinCount, v)
	}
	c.spinCount = v
	return nil
}

// Options is a bulk update; nil fields keep their current value.
type Options struct {
	WriteBufferHighWaterMark *int
	WriteBufferLowWaterMark  *int
	WriteSpinCount           *int
}

// SetOptions applies a bulk update. Unlike the individual setters it
// tolerates any field order: after applying all values, a low
// watermark above the high watermark is clamped to half the high
// watermark and a warning is logged instead of failing the update.
// Negative watermarks and non-positive spin counts still fail.
func (c *Config) SetOptions(opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.WriteBufferHighWaterMark != nil {
		v := *opts.WriteBufferHighWaterMark
		if v < 0 {
			return fmt.Errorf("%w: high watermark %d is negative", ErrInvalidWatermark, v)
		}
		c.highWater = v
	}
	if opts.WriteBufferLowWaterMark != nil {
		v := *opts.WriteBufferLowWaterMark
		if v < 0 {
			return fmt.Errorf("%w: low watermark %d is negative", ErrInvalidWatermark, v)
		}
		c.lowWater = v
	}
	if opts.WriteSpinCount != nil {
		v := *opts.WriteSpinCount
		if v <= 0 {
			return fmt.Errorf("%w: got %d", ErrInvalidSpinCount, v)
		}
		c.spinCount = v
	}

	if c.highWater < c.lowWater {
		clamped := c.highWater >> 1
		c.logger.Log(log.Event{
			Timestamp: time.Now(),
			Category:  log.CategoryConfig,
			Config: &log.ConfigEvent{
				Option:  "writeBufferLowWaterMark",
				Value:   int64(clamped),
				Clamped: true,
				Message: fmt.Sprintf("low watermark %d above high watermark %d", c.lowWater, c.highWater),
			},
		})
		c.lowWater = clamped
	}
	return nil
}
