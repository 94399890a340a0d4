package pipeline

import (
	"sort"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/alert"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/output"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/position"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reputation"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/resolver"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/topology"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracker"
)

type breakerReporter interface {
	Service() string
	BreakerState() gobreaker.State
}

// OptionsFromConfig translates configuration into pipeline options,
// creating a client for every configured reputation service
func OptionsFromConfig(cfg *config.Config, topo *topology.Map, router *output.Router, hc *health.Checker, logger *logging.Logger, m *metrics.Collector) Options {
	rc := cfg.Resolver

	var breakerCfg reliability.BreakerConfig
	if rc.CircuitBreaker != nil {
		breakerCfg = reliability.BreakerConfig{
			MaxRequests:      rc.CircuitBreaker.MaxRequests,
			Interval:         rc.CircuitBreaker.Interval,
			Timeout:          rc.CircuitBreaker.Timeout,
			FailureThreshold: rc.CircuitBreaker.FailureThreshold,
		}
	}

	onChange := func(name string, from, to gobreaker.State) {
		logger.Warn().Str("service", name).Str("from", from.String()).Str("to", to.String()).
			Msg("Circuit breaker state changed")
		if m != nil {
			m.CircuitBreakerState.WithLabelValues(name).Set(reliability.StateValue(to))
		}
	}

	clientOpts := []reputation.ClientOption{
		reputation.WithTimeout(rc.Timeout),
		reputation.WithRateLimit(rc.RateLimit),
		reputation.WithBreaker(breakerCfg, onChange),
		reputation.WithLogger(logger),
	}

	resolverCfg := resolver.Config{
		Timeout:  rc.Timeout,
		CacheTTL: rc.CacheTTL,
	}
	var reporters []breakerReporter
	if rc.KOSURL != "" {
		c := reputation.NewKOSClient(resolver.ServiceKOS, rc.KOSURL, clientOpts...)
		resolverCfg.KOS = c
		reporters = append(reporters, c)
	}
	if rc.RBLURL != "" {
		c := reputation.NewRBLClient(rc.RBLURL, clientOpts...)
		resolverCfg.RBL = c
		reporters = append(reporters, c)
	}
	if rc.ESSURL != "" {
		c := reputation.NewKOSClient(resolver.ServiceESS, rc.ESSURL, clientOpts...)
		resolverCfg.ESS = c
		reporters = append(reporters, c)
	}
	if rc.Avatars {
		c := reputation.NewAvatarClient(rc.ESIURL, rc.ImageURL, rc.PortraitSize, clientOpts...)
		resolverCfg.Avatars = c
		reporters = append(reporters, c)
	}

	followIntel := true
	if cfg.Map.FollowIntel != nil {
		followIntel = *cfg.Map.FollowIntel
	}

	return Options{
		Config: Config{
			Directory:   cfg.Logs.Directory,
			Enabled:     cfg.Pilots.Enabled,
			FollowIntel: followIntel,
			MaxJumps:    cfg.Alerts.MaxJumps,
			Sounds: Sounds{
				Hostile: cfg.Alerts.Sounds.Hostile,
				High:    cfg.Alerts.Sounds.High,
				Medium:  cfg.Alerts.Sounds.Medium,
				Low:     cfg.Alerts.Sounds.Low,
			},
			FrameInterval: cfg.Map.FrameInterval,
		},
		Tracker: tracker.Config{
			Encoding:       cfg.Logs.Encoding,
			Channels:       cfg.Logs.Channels,
			PollInterval:   cfg.Logs.PollInterval,
			DirectoryRetry: cfg.Logs.DirectoryRetry,
			MaxReadBytes:   cfg.Logs.MaxReadBytes,
		},
		Resolver: resolverCfg,
		Alerts: alert.Config{
			SystemWindow: cfg.Alerts.SystemWindow,
			SoundWindow:  cfg.Alerts.SoundWindow,
		},
		Position: position.Config{
			Duration: cfg.Map.AnimationDuration,
			Default:  position.Point{X: cfg.Map.DefaultX, Y: cfg.Map.DefaultY},
			Rotation: cfg.Map.Rotation,
		},
		Topology:     topo,
		Router:       router,
		Health:       hc,
		OpenBreakers: openBreakers(reporters),
	}
}

func openBreakers(reporters []breakerReporter) func() []string {
	return func() []string {
		var open []string
		for _, r := range reporters {
			if r.BreakerState() == gobreaker.StateOpen {
				open = append(open, r.Service())
			}
		}
		sort.Strings(open)
		return open
	}
}
