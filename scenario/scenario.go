// Package scenario wires replicas, clients and faults onto a transport and
// drives them with a scheduler until the run ends.
package scenario

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/commitlog"
	"github.com/edgedlt/byzzbench/hotstuff"
	"github.com/edgedlt/byzzbench/pbft"
	"github.com/edgedlt/byzzbench/predicate"
	"github.com/edgedlt/byzzbench/scheduler"
	"github.com/edgedlt/byzzbench/transport"
)

// Network fault IDs registered on every scenario.
const (
	FaultHealAll       = "heal-all"
	FaultIsolateFaulty = "isolate-faulty"
)

// Scenario is one simulated system: a transport, its replicas and clients.
type Scenario struct {
	cfg       *byzzbench.Config
	transport *transport.Transport
	ids       []byzzbench.NodeID
	replicas  map[byzzbench.NodeID]byzzbench.Replica
	clients   []*Client
	faulty    map[byzzbench.NodeID]bool
	mutators  *transport.MutatorRegistry
	detector  *predicate.Detector

	started bool
	step    int
	gstStep int

	logger *zap.Logger
}

// New builds a scenario from cfg. Nothing runs until Start or Run.
func New(cfg *byzzbench.Config, opts ...transport.Option) (*Scenario, error) {
	if cfg == nil {
		return nil, byzzbench.WrapConfigf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With(
		zap.String("protocol", string(cfg.Protocol)),
		zap.Int64("seed", cfg.Seed))

	opts = append([]transport.Option{transport.WithLogger(logger)}, opts...)
	s := &Scenario{
		cfg:       cfg,
		transport: transport.New(opts...),
		ids:       cfg.ReplicaIDs(),
		replicas:  make(map[byzzbench.NodeID]byzzbench.Replica),
		faulty:    make(map[byzzbench.NodeID]bool),
		mutators:  Mutators(),
		detector:  predicate.NewDetector(logger, predicate.Default(cfg.GSTGracePeriod)...),
		gstStep:   -1,
		logger:    logger,
	}

	for _, id := range s.ids {
		r, err := newReplica(id, s.ids, s.transport, cfg)
		if err != nil {
			return nil, fmt.Errorf("replica %s: %w", id, err)
		}
		s.replicas[id] = r
		s.transport.AddNode(r)
	}
	for _, id := range cfg.ClientIDs() {
		c := NewClient(id, s.ids, s.transport, cfg)
		s.clients = append(s.clients, c)
		s.transport.AddClient(c)
	}

	if cfg.Behavior != byzzbench.BehaviorDropFirstView {
		for _, id := range s.ids[:cfg.Faulty()] {
			s.faulty[id] = true
		}
	}
	s.installFaults()
	return s, nil
}

// Mutators returns the registry of every protocol's mutators.
func Mutators() *transport.MutatorRegistry {
	return transport.NewMutatorRegistry(append(pbft.Mutators(), hotstuff.Mutators()...)...)
}

func newReplica(id byzzbench.NodeID, ids []byzzbench.NodeID, t *transport.Transport, cfg *byzzbench.Config) (byzzbench.Replica, error) {
	switch cfg.Protocol {
	case byzzbench.ProtocolPBFT:
		return pbft.New(id, ids, t, cfg)
	case byzzbench.ProtocolHotStuff:
		return hotstuff.New(id, ids, t, cfg)
	default:
		return nil, byzzbench.WrapConfigf("unsupported protocol: %s", cfg.Protocol)
	}
}

// installFaults turns the configured behavior into transport faults.
func (s *Scenario) installFaults() {
	faulty := s.FaultyIDs()

	s.transport.AddNetworkFault(transport.Fault{ID: FaultHealAll, Behavior: transport.HealAll()})
	if len(faulty) > 0 {
		s.transport.AddNetworkFault(transport.Fault{
			ID:       FaultIsolateFaulty,
			Behavior: transport.IsolateNodes(faulty...),
		})
	}

	switch s.cfg.Behavior {
	case byzzbench.BehaviorSilent:
		s.transport.AddAutomaticFault(transport.Fault{
			ID:        "silent",
			Predicate: transport.All(transport.IsMessage(), transport.FromSender(faulty...)),
			Behavior:  transport.DropMessage(),
		})
	case byzzbench.BehaviorMutate:
		s.transport.AddAutomaticFault(transport.Fault{
			ID:        "mutate",
			Predicate: transport.All(transport.IsMessage(), transport.FromSender(faulty...)),
			Behavior:  transport.MutateAny(s.mutators),
		})
	case byzzbench.BehaviorDropFirstView:
		s.transport.AddAutomaticFault(transport.Fault{
			ID:        "drop-first-view",
			Predicate: transport.All(transport.IsMessage(), transport.InRound(1)),
			Behavior:  transport.DropMessage(),
		})
	}
}

// Config returns the scenario configuration.
func (s *Scenario) Config() *byzzbench.Config { return s.cfg }

// Transport returns the scenario transport.
func (s *Scenario) Transport() *transport.Transport { return s.transport }

// ReplicaIDs returns the replica IDs in leader order.
func (s *Scenario) ReplicaIDs() []byzzbench.NodeID { return append([]byzzbench.NodeID{}, s.ids...) }

// Replica returns a replica by ID.
func (s *Scenario) Replica(id byzzbench.NodeID) (byzzbench.Replica, bool) {
	r, ok := s.replicas[id]
	return r, ok
}

// Clients returns the clients.
func (s *Scenario) Clients() []*Client { return s.clients }

// MutatorRegistry returns the mutators available to faults and schedulers.
func (s *Scenario) MutatorRegistry() *transport.MutatorRegistry { return s.mutators }

// Detector returns the property detector.
func (s *Scenario) Detector() *predicate.Detector { return s.detector }

// FaultyIDs returns the replicas exhibiting the configured behavior.
func (s *Scenario) FaultyIDs() []byzzbench.NodeID {
	ids := make([]byzzbench.NodeID, 0, len(s.faulty))
	for id := range s.faulty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Start initializes replicas and clients and applies start-up faults.
// It is idempotent.
func (s *Scenario) Start() error {
	if s.started {
		return nil
	}
	s.started = true

	if s.cfg.Behavior == byzzbench.BehaviorIsolate && len(s.faulty) > 0 {
		if err := s.transport.ApplyFault(FaultIsolateFaulty); err != nil {
			return err
		}
	}
	for _, id := range s.ids {
		if err := s.replicas[id].Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", id, err)
		}
	}
	for _, c := range s.clients {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.ID(), err)
		}
	}

	s.logger.Info("scenario started",
		zap.Int("replicas", len(s.ids)),
		zap.Int("clients", len(s.clients)),
		zap.String("behavior", string(s.cfg.Behavior)),
		zap.Int("faulty", len(s.faulty)))
	return nil
}

// Pending reports whether some client still waits for a reply.
func (s *Scenario) Pending() bool {
	for _, c := range s.clients {
		if !c.Done() {
			return true
		}
	}
	return false
}

// Snapshot returns the state the predicates check.
func (s *Scenario) Snapshot() predicate.Snapshot {
	logs := make(map[byzzbench.NodeID]*commitlog.Log, len(s.replicas))
	for id, r := range s.replicas {
		logs[id] = r.CommitLog()
	}
	return predicate.Snapshot{
		Step:    s.step,
		Logs:    logs,
		Faulty:  s.faulty,
		GSTStep: s.gstStep,
		Pending: s.Pending(),
	}
}

// SignalGST heals every partition, disables automatic faults and stops
// scheduler-injected faults.
func (s *Scenario) SignalGST(sched scheduler.Scheduler) error {
	if s.gstStep >= 0 {
		return nil
	}
	s.gstStep = s.step
	s.transport.SetFaultsEnabled(false)
	if err := s.transport.ApplyFault(FaultHealAll); err != nil {
		return err
	}
	if st, ok := sched.(scheduler.Stabilizer); ok {
		st.Stabilize()
	}
	s.logger.Info("global stabilization time", zap.Int("step", s.step))
	return nil
}
