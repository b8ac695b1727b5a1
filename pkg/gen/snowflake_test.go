package gen

import (
	"testing"

	"stakeledger/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestNextIDUnique(t *testing.T) {
	node := MustNode(3)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := node.NextID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewSnowflakeNodeRejectsOutOfRangeNode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Snowflake.NodeID = 5000

	_, err := NewSnowflakeNode(cfg)
	require.Error(t, err)
}
