package netrouter_test

import (
	"testing"

	"github.com/clems4ever/evmcacheproxy/internal/netrouter"
	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_ResolveKnown(t *testing.T) {
	r := netrouter.New(map[string]rpctypes.NetworkSpec{
		"mainnet": {Key: "mainnet"},
		"sepolia": {Key: "sepolia"},
	}, "mainnet")

	spec, err := r.Resolve("sepolia")
	require.NoError(t, err)
	assert.Equal(t, "sepolia", spec.Key)
}

func TestRouter_ResolveEmptyUsesDefault(t *testing.T) {
	r := netrouter.New(map[string]rpctypes.NetworkSpec{
		"mainnet": {Key: "mainnet"},
	}, "mainnet")

	spec, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", spec.Key)
}

func TestRouter_ResolveUnknown(t *testing.T) {
	r := netrouter.New(map[string]rpctypes.NetworkSpec{"mainnet": {Key: "mainnet"}}, "mainnet")
	_, err := r.Resolve("nope")
	assert.Error(t, err)
}

func TestRouter_ResolveEmptyNoDefaultUsesFirstConfigured(t *testing.T) {
	r := netrouter.New(map[string]rpctypes.NetworkSpec{
		"sepolia": {Key: "sepolia"},
		"mainnet": {Key: "mainnet"},
	}, "")

	spec, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", spec.Key, "lexicographically first configured key")
}
