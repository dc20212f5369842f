package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ChainOptions parameterise the shared Ethereum RPC connection.
type ChainOptions struct {
	RPCURL            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerCooldown   time.Duration
}

// Chain performs read-only contract calls on behalf of every on-chain sampler.
// Calls pass through a rate limiter and a circuit breaker so a flapping RPC endpoint
// surfaces as ErrRevert quickly instead of stalling every refresh.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChain builds a lazily-dialled RPC handle.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	chainLogger := logger.With().Str("component", "oracle_chain").Logger()
	settings := gobreaker.Settings{
		Name:    "ethereum-rpc",
		Timeout: opts.BreakerCooldown,
	}
	failures := opts.BreakerFailures
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= failures
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		chainLogger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("rpc breaker state changed")
	}

	return &Chain{
		opts:    opts,
		logger:  chainLogger,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// call executes an eth_call against the latest block and unpacks the named method outputs.
func (c *Chain) call(ctx context.Context, address string, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if c.opts.RPCURL == "" {
		return nil, errors.Join(ErrRevert, errors.New("ethereum rpc url not configured"))
	}
	if !common.IsHexAddress(address) {
		return nil, errors.Join(ErrRevert, fmt.Errorf("invalid contract address %q", address))
	}

	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.Join(ErrRevert, fmt.Errorf("pack %s: %w", method, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(err)
	}

	to := common.HexToAddress(address)
	res, err := c.breaker.Execute(func() (interface{}, error) {
		client, err := c.getClient(ctx)
		if err != nil {
			return nil, err
		}
		return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Join(ErrRevert, err)
		}
		c.logger.Debug().Err(err).Str("method", method).Str("address", address).Msg("contract call failed")
		return nil, classify(err)
	}

	raw, _ := res.([]byte)
	if len(raw) == 0 {
		return nil, errors.Join(ErrRevert, fmt.Errorf("%s returned no data", method))
	}

	outputs, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, errors.Join(ErrRevert, fmt.Errorf("unpack %s: %w", method, err))
	}
	return outputs, nil
}

func (c *Chain) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the RPC connection if one was opened.
func (c *Chain) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}
	return parsed
}
