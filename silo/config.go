/*
 * MIT License
 *
 * Copyright (c) 2023-2026 SiloGrid Authors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package silo

import (
	"time"

	gerrors "github.com/silogrid/silogrid/errors"
	"github.com/silogrid/silogrid/cluster"
	"github.com/silogrid/silogrid/directory"
	"github.com/silogrid/silogrid/internal/validation"
	"github.com/silogrid/silogrid/log"
)

// ReentrancyMode determines how an activation treats new invocations while
// one of its turns is suspended on an async request.
type ReentrancyMode int

const (
	// NonReentrant stashes new invocations until the suspended turn resumed
	// and completed. This is the default.
	NonReentrant ReentrancyMode = iota
	// Reentrant interleaves new invocations with suspended turns. Turns still
	// never run in parallel.
	Reentrant
)

// IsValid guards against unknown enum values.
func (m ReentrancyMode) IsValid() bool {
	return m == NonReentrant || m == Reentrant
}

// Config collects the semantic options of a silo.
type Config struct {
	// CollectionQuantum is the granularity of the activation time wheel.
	CollectionQuantum time.Duration
	// CollectionAgeDefault is the idle time before an activation is collected.
	CollectionAgeDefault time.Duration
	// CollectionAgePerKind overrides the idle age per grain kind.
	CollectionAgePerKind map[string]time.Duration
	// HopLimit is the maximum number of directory forwarding hops.
	HopLimit uint8
	// ResponseTimeout is the default per-call deadline.
	ResponseTimeout time.Duration
	// ClientDropTimeout is how long a gateway retains state for a
	// disconnected client.
	ClientDropTimeout time.Duration
	// MaxForwardCount caps the cache-invalidation retries of a single call.
	MaxForwardCount int
	// InitialStabilizationTimeout bounds the wait for a handoff split at join.
	InitialStabilizationTimeout time.Duration
	// ReentrancyPerKind opts grain kinds into reentrancy. Kinds not listed
	// are non-reentrant.
	ReentrancyPerKind map[string]ReentrancyMode
	// Logger receives the runtime's log records.
	Logger log.Logger
	// Metrics receives the runtime's counters.
	Metrics MetricsSink
	// AnnounceStatus publishes the local silo's membership status, when the
	// membership provider supports announcements.
	AnnounceStatus func(cluster.Status)
}

// Option configures a silo.
type Option func(*Config)

// WithCollectionQuantum sets the granularity of the activation time wheel.
func WithCollectionQuantum(quantum time.Duration) Option {
	return func(c *Config) { c.CollectionQuantum = quantum }
}

// WithCollectionAge sets the default idle time before collection.
func WithCollectionAge(age time.Duration) Option {
	return func(c *Config) { c.CollectionAgeDefault = age }
}

// WithCollectionAgeForKind overrides the idle age for one grain kind.
func WithCollectionAgeForKind(kind string, age time.Duration) Option {
	return func(c *Config) {
		if c.CollectionAgePerKind == nil {
			c.CollectionAgePerKind = make(map[string]time.Duration)
		}
		c.CollectionAgePerKind[kind] = age
	}
}

// WithHopLimit sets the maximum number of directory forwarding hops.
func WithHopLimit(limit uint8) Option {
	return func(c *Config) { c.HopLimit = limit }
}

// WithResponseTimeout sets the default per-call deadline.
func WithResponseTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.ResponseTimeout = timeout }
}

// WithClientDropTimeout sets how long gateways retain disconnected clients.
func WithClientDropTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.ClientDropTimeout = timeout }
}

// WithMaxForwardCount caps cache-invalidation retries per call.
func WithMaxForwardCount(count int) Option {
	return func(c *Config) { c.MaxForwardCount = count }
}

// WithInitialStabilizationTimeout bounds the stabilization wait at join.
func WithInitialStabilizationTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.InitialStabilizationTimeout = timeout }
}

// WithReentrancy opts a grain kind into the given reentrancy mode.
func WithReentrancy(kind string, mode ReentrancyMode) Option {
	return func(c *Config) {
		if c.ReentrancyPerKind == nil {
			c.ReentrancyPerKind = make(map[string]ReentrancyMode)
		}
		c.ReentrancyPerKind[kind] = mode
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetricsSink sets the metrics sink.
func WithMetricsSink(sink MetricsSink) Option {
	return func(c *Config) { c.Metrics = sink }
}

// WithStatusAnnouncer wires the callback publishing local status changes to
// the membership provider.
func WithStatusAnnouncer(announce func(cluster.Status)) Option {
	return func(c *Config) { c.AnnounceStatus = announce }
}

func defaultConfig() *Config {
	return &Config{
		CollectionQuantum:           time.Minute,
		CollectionAgeDefault:        2 * time.Hour,
		HopLimit:                    6,
		ResponseTimeout:             30 * time.Second,
		ClientDropTimeout:           time.Minute,
		MaxForwardCount:             2,
		InitialStabilizationTimeout: 4 * time.Second,
		Logger:                      log.DefaultLogger,
		Metrics:                     NoopMetrics{},
		AnnounceStatus:              func(cluster.Status) {},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	chain := validation.New(validation.FailFast()).
		AddAssertion(c.CollectionQuantum > 0, "collection quantum must be positive").
		AddAssertion(c.CollectionAgeDefault >= c.CollectionQuantum, "collection age must be at least one quantum").
		AddAssertion(c.HopLimit > 0, "hop limit must be positive").
		AddAssertion(c.MaxForwardCount >= 0, "max forward count cannot be negative")
	if err := chain.Validate(); err != nil {
		return err
	}
	if c.ResponseTimeout <= 0 || c.ClientDropTimeout <= 0 {
		return gerrors.ErrInvalidTimeout
	}
	for _, mode := range c.ReentrancyPerKind {
		if !mode.IsValid() {
			return gerrors.ErrInvalidReentrancyMode
		}
	}
	return nil
}

// ageLimitFor returns the idle age configured for a grain kind.
func (c *Config) ageLimitFor(kind string) time.Duration {
	if age, ok := c.CollectionAgePerKind[kind]; ok {
		return age
	}
	return c.CollectionAgeDefault
}

// reentrancyFor returns the reentrancy mode configured for a grain kind.
func (c *Config) reentrancyFor(kind string) ReentrancyMode {
	if mode, ok := c.ReentrancyPerKind[kind]; ok {
		return mode
	}
	return NonReentrant
}

// directoryConfig derives the directory tuning from the silo config.
func (c *Config) directoryConfig() directory.Config {
	cfg := directory.DefaultConfig()
	cfg.HopLimit = c.HopLimit
	if c.InitialStabilizationTimeout > 0 {
		cfg.StabilizationAttempts = int(c.InitialStabilizationTimeout / cfg.StabilizationDelay)
		if cfg.StabilizationAttempts < 1 {
			cfg.StabilizationAttempts = 1
		}
	}
	return cfg
}
