package gen

import (
	"stakeledger/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gen", fx.Provide(NewSnowflakeNode))

// IDGenerator hands out unique, time-ordered string ids.
type IDGenerator interface {
	NextID() string
}

type SnowflakeNode struct {
	node *snowflake.Node
}

func NewSnowflakeNode(cfg *config.Config) (*SnowflakeNode, error) {
	node, err := snowflake.NewNode(cfg.Snowflake.NodeID)
	if err != nil {
		zap.L().Error("failed to init snowflake node", zap.Int64("node_id", cfg.Snowflake.NodeID), zap.Error(err))
		return nil, err
	}
	return &SnowflakeNode{node: node}, nil
}

// MustNode builds a node outside of fx, for tests and tooling.
func MustNode(nodeID int64) *SnowflakeNode {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return &SnowflakeNode{node: node}
}

func (s *SnowflakeNode) GenerateID() snowflake.ID {
	return s.node.Generate()
}

func (s *SnowflakeNode) NextID() string {
	return s.node.Generate().String()
}
