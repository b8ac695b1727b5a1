package featureflags

import (
	"context"

	"stakeledger/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const RestakeEnabled = "restake_enabled"

type FeatureFlag interface {
	// IsEnabled falls back to def when the flag cannot be resolved.
	IsEnabled(ctx context.Context, name string, def bool) bool
}

type featureflag struct {
	client *flagsmith.Client
	group  singleflight.Group
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return Static(nil)
	}

	var opts []flagsmith.Option
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, name string, def bool) bool {
	// concurrent lookups share one round trip to flagsmith
	v, err, _ := s.group.Do("environment", func() (interface{}, error) {
		return s.client.GetEnvironmentFlags()
	})
	if err != nil {
		zap.L().Warn("flagsmith unavailable, using default", zap.String("flag", name), zap.Bool("default", def), zap.Error(err))
		return def
	}

	flags := v.(flagsmith.Flags)
	enabled, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return def
	}
	return enabled
}

type static map[string]bool

// Static serves fixed flag values. Unknown flags resolve to the caller's default.
func Static(values map[string]bool) FeatureFlag {
	return static(values)
}

func (s static) IsEnabled(_ context.Context, name string, def bool) bool {
	if v, ok := s[name]; ok {
		return v
	}
	return def
}
