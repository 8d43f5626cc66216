package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgedlt/byzzbench"
)

// TestRouterDefaultConnectivity tests that all nodes start connected.
func TestRouterDefaultConnectivity(t *testing.T) {
	r := NewRouter()
	assert.False(t, r.HasActivePartitions())
	assert.True(t, r.HaveConnectivity("A", "B"))
	assert.Equal(t, DefaultPartition, r.Partition("A"))
}

// TestRouterIsolateAndHeal tests isolating and healing nodes.
func TestRouterIsolateAndHeal(t *testing.T) {
	r := NewRouter()

	r.IsolateNode("A")
	r.IsolateNode("B")
	assert.True(t, r.HasActivePartitions())
	assert.False(t, r.HaveConnectivity("A", "B"), "separately isolated nodes are disconnected")
	assert.False(t, r.HaveConnectivity("A", "C"))
	assert.Equal(t, []byzzbench.NodeID{"A", "B"}, r.Isolated())

	r.HealNode("A")
	assert.True(t, r.HaveConnectivity("A", "C"))
	assert.False(t, r.HaveConnectivity("A", "B"))

	r.ResetPartitions()
	assert.False(t, r.HasActivePartitions())
	assert.True(t, r.HaveConnectivity("A", "B"))
}

// TestRouterIsolateGroup tests that a group shares one partition.
func TestRouterIsolateGroup(t *testing.T) {
	r := NewRouter()
	r.IsolateNodes("C", "D")

	assert.True(t, r.HaveConnectivity("C", "D"))
	assert.False(t, r.HaveConnectivity("A", "C"))
	assert.NotEqual(t, DefaultPartition, r.Partition("C"))
}
