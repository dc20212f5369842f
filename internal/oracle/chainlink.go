package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorV3ABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

var aggregatorV3ABI = mustParseABI(aggregatorV3ABIJSON)

// ChainlinkOptions describe one aggregator feed.
type ChainlinkOptions struct {
	Pair     string
	Address  string
	Decimals int32
}

// Chainlink samples an AggregatorV3 price feed.
type Chainlink struct {
	opts   ChainlinkOptions
	chain  *Chain
	logger zerolog.Logger
}

// NewChainlink constructs a feed sampler on top of a shared Chain.
func NewChainlink(chain *Chain, opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:   opts,
		chain:  chain,
		logger: logger.With().Str("component", "oracle_chainlink").Str("pair", opts.Pair).Logger(),
	}
}

// Pair implements Sampler.
func (c *Chainlink) Pair() string { return c.opts.Pair }

// Sample reads latestRoundData. A zero answer is returned as a zero sample; a negative
// answer or an unfinished round is a revert.
func (c *Chainlink) Sample(ctx context.Context) (Sample, error) {
	outputs, err := c.chain.call(ctx, c.opts.Address, aggregatorV3ABI, "latestRoundData")
	if err != nil {
		return Sample{}, fmt.Errorf("%s latestRoundData: %w", c.opts.Pair, err)
	}
	if len(outputs) != 5 {
		return Sample{}, errors.Join(ErrRevert, errors.New("unexpected latestRoundData response"))
	}

	roundID, ok1 := outputs[0].(*big.Int)
	answer, ok2 := outputs[1].(*big.Int)
	updatedAt, ok3 := outputs[3].(*big.Int)
	answeredIn, ok4 := outputs[4].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Sample{}, errors.Join(ErrRevert, errors.New("failed to decode latestRoundData output"))
	}

	if updatedAt.Sign() == 0 || answeredIn.Cmp(roundID) < 0 {
		return Sample{}, errors.Join(ErrRevert, fmt.Errorf("%s round %s incomplete", c.opts.Pair, roundID))
	}
	if answer.Sign() < 0 {
		return Sample{}, errors.Join(ErrRevert, fmt.Errorf("%s negative answer %s", c.opts.Pair, answer))
	}

	return Sample{
		Value:     decimal.NewFromBigInt(answer, -c.opts.Decimals),
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

var _ Sampler = (*Chainlink)(nil)
