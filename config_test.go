package byzzbench

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestConfigCreation tests basic configuration creation with defaults.
func TestConfigCreation(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, ProtocolPBFT, cfg.Protocol)
	assert.Equal(t, 4, cfg.Replicas)
	assert.Equal(t, 1, cfg.F())
	assert.Equal(t, 3, cfg.Quorum())
	assert.Equal(t, SignatureDigest, cfg.SignatureScheme)
	assert.NotNil(t, cfg.Logger)
}

// TestConfigValidation tests that invalid configurations are rejected with ErrConfig.
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []ConfigOption
	}{
		{"UnknownProtocol", []ConfigOption{WithProtocol("raft")}},
		{"TooFewReplicas", []ConfigOption{WithReplicas(3), WithFaultTolerance(1)}},
		{"ZeroCheckpointInterval", []ConfigOption{WithCheckpointInterval(0)}},
		{"WatermarkBelowCheckpoint", []ConfigOption{WithCheckpointInterval(50), WithWatermarkInterval(10)}},
		{"UnknownScheme", []ConfigOption{WithSignatureScheme("rsa")}},
		{"UnknownScheduler", []ConfigOption{WithScheduler("lifo", 0, 0)}},
		{"ProbabilitiesTooLarge", []ConfigOption{WithScheduler(SchedulerRandom, 0.7, 0.5)}},
		{"UnknownBehavior", []ConfigOption{WithBehavior("sneaky", 1)}},
		{"ZeroTimeout", []ConfigOption{WithRequestTimeout(0)}},
		{"BadBackoff", []ConfigOption{WithViewTimeout(100, 50, 2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "expected ErrConfig, got %v", err)
		})
	}
}

// TestConfigOptionErrors tests that options reject invalid arguments directly.
func TestConfigOptionErrors(t *testing.T) {
	_, err := NewConfig(WithLogger(nil))
	assert.Error(t, err)

	_, err = NewConfig(WithReplicas(0))
	assert.Error(t, err)

	_, err = NewConfig(WithFaultTolerance(-1))
	assert.Error(t, err)
}

// TestConfigFaulty tests the number of faulty replicas per behaviour.
func TestConfigFaulty(t *testing.T) {
	cfg, err := NewConfig(WithReplicas(7))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.F())
	assert.Equal(t, 0, cfg.Faulty())

	cfg, err = NewConfig(WithReplicas(7), WithBehavior(BehaviorSilent, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Faulty())

	cfg, err = NewConfig(WithReplicas(7), WithBehavior(BehaviorSilent, 1), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Faulty())
}

// TestReplicaIDsSorted tests that replica identifiers sort in index order.
func TestReplicaIDsSorted(t *testing.T) {
	cfg, err := NewConfig(WithReplicas(30))
	require.NoError(t, err)

	ids := cfg.ReplicaIDs()
	require.Len(t, ids, 30)
	assert.Equal(t, NodeID("A"), ids[0])
	assert.Equal(t, NodeID("D"), ids[3])
	for i := 1; i < len(ids); i++ {
		assert.Less(t, string(ids[i-1]), string(ids[i]))
	}

	assert.Equal(t, []NodeID{}, (&Config{}).ClientIDs())
}
