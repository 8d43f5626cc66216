package scenario

import (
	"math/rand"

	"github.com/edgedlt/byzzbench"
)

// GeneratorConfig configures random scenario generation.
type GeneratorConfig struct {
	// Protocols to draw from.
	Protocols []byzzbench.Protocol

	// Behaviors to draw from.
	Behaviors []byzzbench.Behavior

	// MinFaults and MaxFaults bound f; n is 3f+1.
	MinFaults int
	MaxFaults int

	// MaxClients bounds the number of clients (at least one).
	MaxClients int

	// Requests is the number of operations per client.
	Requests int

	// RandomShare is the chance a scenario uses the random scheduler.
	RandomShare float64

	// MaxEvents bounds each scenario.
	MaxEvents int

	// GSTAfter is copied into every scenario.
	GSTAfter int

	// Seed for reproducible generation.
	Seed int64

	// Base options applied before the generated ones.
	Base []byzzbench.ConfigOption
}

// DefaultGeneratorConfig returns the default generator configuration.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Protocols: []byzzbench.Protocol{byzzbench.ProtocolPBFT, byzzbench.ProtocolHotStuff},
		Behaviors: []byzzbench.Behavior{
			byzzbench.BehaviorHonest,
			byzzbench.BehaviorSilent,
			byzzbench.BehaviorIsolate,
			byzzbench.BehaviorMutate,
			byzzbench.BehaviorDropFirstView,
		},
		MinFaults:   1,
		MaxFaults:   2,
		MaxClients:  2,
		Requests:    3,
		RandomShare: 0.5,
		MaxEvents:   20000,
		GSTAfter:    2000,
		Seed:        1,
	}
}

// Generator draws scenario configurations from a seeded source.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator creates a generator.
func NewGenerator(config GeneratorConfig) *Generator {
	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Generate draws one configuration. Every generated scenario gets its own
// seed so random schedules differ between scenarios.
func (g *Generator) Generate() (*byzzbench.Config, error) {
	c := g.config

	f := c.MinFaults
	if c.MaxFaults > c.MinFaults {
		f += g.rng.Intn(c.MaxFaults - c.MinFaults + 1)
	}
	clients := 1
	if c.MaxClients > 1 {
		clients += g.rng.Intn(c.MaxClients)
	}

	protocol := byzzbench.ProtocolPBFT
	if len(c.Protocols) > 0 {
		protocol = c.Protocols[g.rng.Intn(len(c.Protocols))]
	}
	behavior := byzzbench.BehaviorHonest
	if len(c.Behaviors) > 0 {
		behavior = c.Behaviors[g.rng.Intn(len(c.Behaviors))]
	}

	sched := byzzbench.SchedulerFIFO
	if g.rng.Float64() < c.RandomShare {
		sched = byzzbench.SchedulerRandom
	}

	opts := append([]byzzbench.ConfigOption{}, c.Base...)
	opts = append(opts,
		byzzbench.WithProtocol(protocol),
		byzzbench.WithReplicas(3*f+1),
		byzzbench.WithFaultTolerance(f),
		byzzbench.WithClients(clients, c.Requests),
		byzzbench.WithBehavior(behavior, 0),
		byzzbench.WithSeed(g.rng.Int63()),
	)
	if sched == byzzbench.SchedulerRandom {
		opts = append(opts, byzzbench.WithScheduler(sched, 0.05, 0))
	} else {
		opts = append(opts, byzzbench.WithScheduler(sched, 0, 0))
	}
	if c.MaxEvents > 0 {
		opts = append(opts, byzzbench.WithMaxEvents(c.MaxEvents))
	}
	if c.GSTAfter > 0 {
		opts = append(opts, byzzbench.WithGST(c.GSTAfter, 1000))
	}
	return byzzbench.NewConfig(opts...)
}

// GenerateN draws n configurations.
func (g *Generator) GenerateN(n int) ([]*byzzbench.Config, error) {
	out := make([]*byzzbench.Config, 0, n)
	for range n {
		cfg, err := g.Generate()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
