package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"collateral-monitor/internal/basket"
	"collateral-monitor/internal/collateral"
	"collateral-monitor/internal/config"
	"collateral-monitor/internal/oracle"
)

// feedFactory builds oracle adapters from configuration. One Chain is shared by every
// on-chain reader so the rate limiter and breaker see all traffic.
type feedFactory struct {
	cfg    *config.Config
	chain  *oracle.Chain
	now    func() time.Time
	logger zerolog.Logger
}

func newFeedFactory(cfg *config.Config, now func() time.Time, logger zerolog.Logger) *feedFactory {
	if now == nil {
		now = time.Now
	}
	return &feedFactory{cfg: cfg, now: now, logger: logger}
}

func (f *feedFactory) getChain() *oracle.Chain {
	if f.chain == nil {
		eth := f.cfg.Ethereum
		f.chain = oracle.NewChain(oracle.ChainOptions{
			RPCURL:            eth.RPCURL,
			Timeout:           eth.RequestTimeout,
			RequestsPerSecond: eth.RequestsPerSecond,
			Burst:             eth.Burst,
			BreakerFailures:   eth.BreakerFailures,
			BreakerCooldown:   eth.BreakerCooldown,
		}, f.logger)
	}
	return f.chain
}

func (f *feedFactory) close() {
	if f.chain != nil {
		f.chain.Close()
	}
}

func (f *feedFactory) sampler(fc config.FeedConfig) (oracle.Sampler, error) {
	switch fc.Source {
	case config.SourceChainlink:
		return oracle.NewChainlink(f.getChain(), oracle.ChainlinkOptions{
			Pair:     fc.Pair,
			Address:  fc.Address,
			Decimals: fc.Decimals,
		}, f.logger), nil
	case config.SourceCow:
		return oracle.NewCowQuote(oracle.CowOptions{
			Pair:         fc.Pair,
			BaseURL:      f.cfg.Cow.BaseURL,
			PriceQuality: f.cfg.Cow.PriceQuality,
			Notional:     fc.Notional,
			Timeout:      f.cfg.Cow.RequestTimeout,
			UserAgent:    f.cfg.Cow.UserAgent,
			SellToken:    fc.SellToken,
			SellDecimals: fc.SellDecimals,
			BuyToken:     fc.BuyToken,
			BuyDecimals:  fc.BuyDecimals,
			Now:          f.now,
		}, f.logger), nil
	case config.SourceStatic:
		return oracle.NewLiveStatic(fc.Pair, fc.Value, f.now), nil
	default:
		return nil, fmt.Errorf("unsupported feed source %q", fc.Source)
	}
}

func (f *feedFactory) rate(rc config.RateConfig) (oracle.RateReader, error) {
	if rc.Source == config.RateStatic {
		return oracle.NewLiveStatic("refPerTok", rc.Value, f.now), nil
	}
	return oracle.NewContractRate(f.getChain(), oracle.ContractRateOptions{
		Kind:          rc.Source,
		Address:       rc.Address,
		Decimals:      rc.Decimals,
		ShareDecimals: rc.ShareDecimals,
	}, f.logger)
}

// flavorFeeds are the oracle adapters a flavor is assembled from. Simulations and replays
// swap them for static values while keeping the configured flavor shape.
type flavorFeeds struct {
	peg    oracle.Sampler
	target oracle.Sampler
	coins  []oracle.Sampler
	rate   oracle.RateReader
}

func (f *feedFactory) feeds(cc config.CollateralConfig) (flavorFeeds, error) {
	var feeds flavorFeeds
	var err error

	if cc.Peg.Source != "" {
		if feeds.peg, err = f.sampler(cc.Peg); err != nil {
			return feeds, fmt.Errorf("%s peg: %w", cc.ID, err)
		}
	}
	if cc.Target.Source != "" {
		if feeds.target, err = f.sampler(cc.Target); err != nil {
			return feeds, fmt.Errorf("%s target: %w", cc.ID, err)
		}
	}
	for i, coin := range cc.Coins {
		s, err := f.sampler(coin)
		if err != nil {
			return feeds, fmt.Errorf("%s coin %d: %w", cc.ID, i, err)
		}
		feeds.coins = append(feeds.coins, s)
	}
	if cc.Rate.Source != "" {
		if feeds.rate, err = f.rate(cc.Rate); err != nil {
			return feeds, fmt.Errorf("%s rate: %w", cc.ID, err)
		}
	}
	return feeds, nil
}

func buildFlavor(cc config.CollateralConfig, feeds flavorFeeds) (collateral.Flavor, error) {
	plain := func(name string) (collateral.Flavor, error) {
		switch strings.ToLower(name) {
		case collateral.FlavorFiat, "":
			return collateral.NewFiat(feeds.peg)
		case collateral.FlavorNonFiat:
			return collateral.NewNonFiat(feeds.peg, feeds.target)
		default:
			return nil, fmt.Errorf("unsupported base flavor %q", name)
		}
	}

	switch strings.ToLower(cc.Flavor) {
	case collateral.FlavorFiat, collateral.FlavorNonFiat:
		return plain(cc.Flavor)
	case collateral.FlavorAppreciating:
		base, err := plain(cc.BaseFlavor)
		if err != nil {
			return nil, err
		}
		return collateral.NewAppreciating(base, feeds.rate)
	case collateral.FlavorPool:
		return collateral.NewPool(feeds.coins, feeds.target, feeds.rate)
	default:
		return nil, fmt.Errorf("unsupported flavor %q", cc.Flavor)
	}
}

// buildCollateral assembles one configured collateral from live oracles.
func (f *feedFactory) buildCollateral(cc config.CollateralConfig, logger zerolog.Logger) (*collateral.Collateral, error) {
	feeds, err := f.feeds(cc)
	if err != nil {
		return nil, err
	}
	flavor, err := buildFlavor(cc, feeds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cc.ID, err)
	}
	return collateral.New(cc.Collateral(), flavor, collateral.WithClock(f.now), collateral.WithLogger(logger))
}

// buildRegistry registers every configured collateral and the basket over them.
func (f *feedFactory) buildRegistry(logger zerolog.Logger) (*basket.Registry, *basket.Basket, error) {
	registry := basket.NewRegistry(logger)
	for _, cc := range f.cfg.Collaterals {
		coll, err := f.buildCollateral(cc, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(coll); err != nil {
			return nil, nil, err
		}
	}

	bcfg := f.cfg.Basket
	bkt, err := basket.New(bcfg.Name, bcfg.Members, bcfg.Warmup, registry, logger)
	if err != nil {
		return nil, nil, err
	}
	return registry, bkt, nil
}
