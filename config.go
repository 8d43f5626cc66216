package byzzbench

import (
	"fmt"

	"go.uber.org/zap"
)

// Protocol selects the replica implementation of a scenario.
type Protocol string

const (
	// ProtocolPBFT runs three-phase PBFT with checkpoints and view change.
	ProtocolPBFT Protocol = "pbft"
	// ProtocolHotStuff runs chained HotStuff with 3-chain commit.
	ProtocolHotStuff Protocol = "hotstuff"
)

// Signature schemes used by HotStuff votes.
const (
	SignatureDigest  = "digest"
	SignatureEd25519 = "ed25519"
	SignatureBLS     = "bls"
)

// Scheduler names.
const (
	SchedulerFIFO   = "fifo"
	SchedulerRandom = "random"
)

// Behavior is the faulty behaviour injected into the first FaultyReplicas replicas.
type Behavior string

const (
	// BehaviorHonest injects no faults.
	BehaviorHonest Behavior = "honest"
	// BehaviorSilent drops every message sent by faulty replicas.
	BehaviorSilent Behavior = "silent"
	// BehaviorIsolate partitions faulty replicas away from the rest.
	BehaviorIsolate Behavior = "isolate"
	// BehaviorMutate corrupts every message sent by faulty replicas.
	BehaviorMutate Behavior = "mutate"
	// BehaviorDropFirstView drops all messages of view 1, forcing a view change.
	BehaviorDropFirstView Behavior = "drop-first-view"
)

// Config holds the configuration of one simulated scenario.
type Config struct {
	// Protocol selects the replica implementation.
	Protocol Protocol

	// Replicas is the number of replicas n.
	Replicas int

	// Faults is the tolerated number of faults f. Zero derives (n-1)/3.
	Faults int

	// Clients is the number of clients.
	Clients int

	// Requests is the number of operations each client submits.
	Requests int

	// RequestTimeout is the PBFT per-request timeout and the client
	// retransmission timeout, in logical ticks.
	RequestTimeout uint64

	// CheckpointInterval is the distance between PBFT checkpoints.
	CheckpointInterval uint64

	// WatermarkInterval is the width of the PBFT watermark window.
	WatermarkInterval uint64

	// BufferThreshold is the number of in-flight tickets above which the
	// PBFT primary buffers new requests.
	BufferThreshold int

	// BufferCapacity bounds the PBFT request buffer.
	BufferCapacity int

	// ViewTimeout is the base HotStuff pacemaker timeout in ticks.
	ViewTimeout uint64

	// MaxViewTimeout caps the HotStuff pacemaker timeout.
	MaxViewTimeout uint64

	// BackoffFactor is the HotStuff pacemaker backoff multiplier.
	BackoffFactor float64

	// SignatureScheme selects the HotStuff vote signer.
	SignatureScheme string

	// Scheduler selects the event scheduler ("fifo" or "random").
	Scheduler string

	// DropProbability is the chance the random scheduler drops a message.
	DropProbability float64

	// MutateProbability is the chance the random scheduler mutates a message.
	MutateProbability float64

	// MaxDrops bounds the number of drops the random scheduler performs.
	MaxDrops int

	// MaxMutations bounds the number of mutations the random scheduler performs.
	MaxMutations int

	// Behavior is the faulty behaviour injected into faulty replicas.
	Behavior Behavior

	// FaultyReplicas is how many replicas exhibit Behavior. Zero means f.
	FaultyReplicas int

	// Seed makes random choices reproducible.
	Seed int64

	// MaxEvents bounds the number of scheduler steps.
	MaxEvents int

	// GSTAfter is the step after which faults stop and partitions heal.
	// Zero disables the global stabilization time.
	GSTAfter int

	// GSTGracePeriod is the number of steps after GST within which a new
	// commit must be observed.
	GSTGracePeriod int

	// Logger for structured logging.
	Logger *zap.Logger
}

// ConfigOption is a functional option for configuring a scenario.
type ConfigOption func(*Config) error

// NewConfig creates a new Config with the given options.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := DefaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default scenario configuration:
// four PBFT replicas, one client, FIFO scheduling.
func DefaultConfig() *Config {
	return &Config{
		Protocol:           ProtocolPBFT,
		Replicas:           4,
		Clients:            1,
		Requests:           3,
		RequestTimeout:     100,
		CheckpointInterval: 10,
		WatermarkInterval:  200,
		BufferThreshold:    100,
		BufferCapacity:     1000,
		ViewTimeout:        100,
		MaxViewTimeout:     3200,
		BackoffFactor:      2,
		SignatureScheme:    SignatureDigest,
		Scheduler:          SchedulerFIFO,
		DropProbability:    0.08,
		MutateProbability:  0,
		MaxDrops:           50,
		MaxMutations:       10,
		Behavior:           BehaviorHonest,
		Seed:               1,
		MaxEvents:          10000,
		GSTGracePeriod:     1000,
		Logger:             zap.NewNop(),
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Protocol != ProtocolPBFT && c.Protocol != ProtocolHotStuff {
		return WrapConfigf("unsupported protocol: %s", c.Protocol)
	}

	if c.Replicas < 1 {
		return WrapConfigf("replicas must be >= 1, got %d", c.Replicas)
	}

	// Byzantine fault tolerance: n >= 3f + 1
	if c.Replicas < 3*c.F()+1 {
		return WrapConfigf("insufficient replicas: n=%d, f=%d (need n >= 3f+1)", c.Replicas, c.F())
	}

	if c.FaultyReplicas < 0 || c.FaultyReplicas > c.Replicas {
		return WrapConfigf("faulty replicas must be in [0, %d], got %d", c.Replicas, c.FaultyReplicas)
	}

	if c.Clients < 0 || c.Requests < 0 {
		return WrapConfigf("clients and requests must be >= 0")
	}

	if c.RequestTimeout == 0 || c.ViewTimeout == 0 {
		return WrapConfigf("timeouts must be positive")
	}

	if c.MaxViewTimeout < c.ViewTimeout {
		return WrapConfigf("max view timeout %d below base %d", c.MaxViewTimeout, c.ViewTimeout)
	}

	if c.BackoffFactor < 1 {
		return WrapConfigf("backoff factor must be >= 1, got %v", c.BackoffFactor)
	}

	if c.CheckpointInterval == 0 || c.WatermarkInterval == 0 {
		return WrapConfigf("checkpoint and watermark intervals must be positive")
	}

	if c.WatermarkInterval < c.CheckpointInterval {
		return WrapConfigf("watermark interval %d smaller than checkpoint interval %d",
			c.WatermarkInterval, c.CheckpointInterval)
	}

	if c.BufferThreshold < 1 || c.BufferCapacity < 0 {
		return WrapConfigf("buffer threshold must be >= 1 and capacity >= 0")
	}

	switch c.SignatureScheme {
	case SignatureDigest, SignatureEd25519, SignatureBLS:
	default:
		return WrapConfigf("unsupported signature scheme: %s", c.SignatureScheme)
	}

	if c.Scheduler != SchedulerFIFO && c.Scheduler != SchedulerRandom {
		return WrapConfigf("unsupported scheduler: %s", c.Scheduler)
	}

	if c.DropProbability < 0 || c.MutateProbability < 0 || c.DropProbability+c.MutateProbability > 1 {
		return WrapConfigf("drop and mutate probabilities must be non-negative and sum to <= 1")
	}

	switch c.Behavior {
	case BehaviorHonest, BehaviorSilent, BehaviorIsolate, BehaviorMutate, BehaviorDropFirstView:
	default:
		return WrapConfigf("unsupported behavior: %s", c.Behavior)
	}

	if c.MaxEvents < 1 {
		return WrapConfigf("max events must be >= 1, got %d", c.MaxEvents)
	}

	if c.GSTAfter < 0 || c.GSTGracePeriod < 1 {
		return WrapConfigf("gst after must be >= 0 and grace period >= 1")
	}

	if c.Logger == nil {
		return WrapConfigf("logger is required")
	}

	return nil
}

// F returns the number of tolerated faults.
func (c *Config) F() int {
	if c.Faults > 0 {
		return c.Faults
	}
	return (c.Replicas - 1) / 3
}

// Quorum returns the PBFT quorum size (2f+1).
func (c *Config) Quorum() int {
	return 2*c.F() + 1
}

// Faulty returns the number of replicas that exhibit Behavior.
func (c *Config) Faulty() int {
	if c.Behavior == BehaviorHonest {
		return 0
	}
	if c.FaultyReplicas > 0 {
		return c.FaultyReplicas
	}
	return c.F()
}

// ReplicaIDs returns the replica identifiers in leader order.
func (c *Config) ReplicaIDs() []NodeID {
	ids := make([]NodeID, c.Replicas)
	for i := range c.Replicas {
		ids[i] = ReplicaID(i)
	}
	return ids
}

// ClientIDs returns the client identifiers.
func (c *Config) ClientIDs() []NodeID {
	ids := make([]NodeID, c.Clients)
	for i := range c.Clients {
		ids[i] = NodeID(fmt.Sprintf("client-%d", i))
	}
	return ids
}

// ReplicaID returns the identifier of the i-th replica: "A", "B", ... for
// the first 26 replicas and "Z026", "Z027", ... beyond. Both forms sort in
// index order.
func ReplicaID(i int) NodeID {
	if i < 26 {
		return NodeID(rune('A' + i))
	}
	return NodeID(fmt.Sprintf("Z%03d", i))
}

// WithProtocol sets the protocol.
func WithProtocol(p Protocol) ConfigOption {
	return func(c *Config) error {
		c.Protocol = p
		return nil
	}
}

// WithReplicas sets the number of replicas.
func WithReplicas(n int) ConfigOption {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("replicas must be >= 1, got %d", n)
		}
		c.Replicas = n
		return nil
	}
}

// WithFaultTolerance sets f explicitly.
func WithFaultTolerance(f int) ConfigOption {
	return func(c *Config) error {
		if f < 0 {
			return fmt.Errorf("fault tolerance must be >= 0, got %d", f)
		}
		c.Faults = f
		return nil
	}
}

// WithClients sets the number of clients and operations per client.
func WithClients(clients, requests int) ConfigOption {
	return func(c *Config) error {
		c.Clients = clients
		c.Requests = requests
		return nil
	}
}

// WithRequestTimeout sets the request timeout in ticks.
func WithRequestTimeout(ticks uint64) ConfigOption {
	return func(c *Config) error {
		c.RequestTimeout = ticks
		return nil
	}
}

// WithCheckpointInterval sets the checkpoint interval.
func WithCheckpointInterval(interval uint64) ConfigOption {
	return func(c *Config) error {
		c.CheckpointInterval = interval
		return nil
	}
}

// WithWatermarkInterval sets the watermark window width.
func WithWatermarkInterval(interval uint64) ConfigOption {
	return func(c *Config) error {
		c.WatermarkInterval = interval
		return nil
	}
}

// WithBuffer sets the buffering threshold and the buffer capacity.
func WithBuffer(threshold, capacity int) ConfigOption {
	return func(c *Config) error {
		c.BufferThreshold = threshold
		c.BufferCapacity = capacity
		return nil
	}
}

// WithViewTimeout configures the HotStuff pacemaker backoff.
func WithViewTimeout(base, max uint64, factor float64) ConfigOption {
	return func(c *Config) error {
		c.ViewTimeout = base
		c.MaxViewTimeout = max
		c.BackoffFactor = factor
		return nil
	}
}

// WithSignatureScheme sets the HotStuff vote signature scheme.
func WithSignatureScheme(scheme string) ConfigOption {
	return func(c *Config) error {
		c.SignatureScheme = scheme
		return nil
	}
}

// WithScheduler sets the scheduler and its drop and mutate probabilities.
func WithScheduler(name string, drop, mutate float64) ConfigOption {
	return func(c *Config) error {
		c.Scheduler = name
		c.DropProbability = drop
		c.MutateProbability = mutate
		return nil
	}
}

// WithBehavior sets the faulty behaviour and how many replicas exhibit it.
func WithBehavior(b Behavior, faulty int) ConfigOption {
	return func(c *Config) error {
		c.Behavior = b
		c.FaultyReplicas = faulty
		return nil
	}
}

// WithSeed sets the random seed.
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) error {
		c.Seed = seed
		return nil
	}
}

// WithMaxEvents bounds the number of scheduler steps.
func WithMaxEvents(n int) ConfigOption {
	return func(c *Config) error {
		c.MaxEvents = n
		return nil
	}
}

// WithGST sets the global stabilization step and the liveness grace period.
func WithGST(after, grace int) ConfigOption {
	return func(c *Config) error {
		c.GSTAfter = after
		c.GSTGracePeriod = grace
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}
