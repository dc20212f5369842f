package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

// CowOptions parameterise the CoW Protocol market sampler.
type CowOptions struct {
	Pair         string
	BaseURL      string
	PriceQuality string
	Notional     decimal.Decimal
	Timeout      time.Duration
	UserAgent    string
	SellToken    string
	SellDecimals int32
	BuyToken     string
	BuyDecimals  int32
	Now          func() time.Time
}

// CowQuote samples the secondary-market price of the sell token in buy-token units.
type CowQuote struct {
	opts    CowOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewCowQuote constructs a market sampler.
func NewCowQuote(opts CowOptions, logger zerolog.Logger) *CowQuote {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &CowQuote{
		opts:    opts,
		logger:  logger.With().Str("component", "oracle_cow").Str("pair", opts.Pair).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     now,
	}
}

// Pair implements Sampler.
func (m *CowQuote) Pair() string { return m.opts.Pair }

// Sample requests a sell quote for the configured notional. A zero buy amount is reported
// as a zero sample rather than an error.
func (m *CowQuote) Sample(ctx context.Context) (Sample, error) {
	if m.opts.Notional.Sign() <= 0 {
		return Sample{}, errors.Join(ErrRevert, errors.New("notional must be greater than zero"))
	}
	if m.opts.SellToken == "" || m.opts.BuyToken == "" {
		return Sample{}, errors.Join(ErrRevert, errors.New("sellToken and buyToken addresses required"))
	}

	sellAtoms := m.opts.Notional.Shift(m.opts.SellDecimals).Round(0)
	if sellAtoms.IsZero() {
		return Sample{}, errors.Join(ErrRevert, errors.New("sell amount rounded to zero"))
	}

	reqPayload := quoteRequest{
		SellToken:           m.opts.SellToken,
		BuyToken:            m.opts.BuyToken,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"collateral-monitor","metadata":{}}`,
		PriceQuality:        m.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(m.now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Sample{}, errors.Join(ErrRevert, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return Sample{}, errors.Join(ErrRevert, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "collateral-monitor/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Sample{}, classify(err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Sample{}, classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return Sample{}, errors.Join(ErrRevert, parseHTTPError(resp.StatusCode, payloadBytes))
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return Sample{}, errors.Join(ErrRevert, err)
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Sample{}, errors.Join(ErrRevert, fmt.Errorf("parse buy amount: %w", err))
	}
	if buyAtoms.IsNegative() {
		return Sample{}, errors.Join(ErrRevert, errors.New("negative buy amount"))
	}

	price := buyAtoms.Shift(-m.opts.BuyDecimals).DivRound(sellAtoms.Shift(-m.opts.SellDecimals), 18)

	m.logger.Debug().Str("price", price.String()).Str("quality", quoteRes.PriceQuality).Msg("market quote sampled")
	return Sample{Value: price, Timestamp: m.now().UTC()}, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		case apiErr.Message != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		case apiErr.ErrorType != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ Sampler = (*CowQuote)(nil)
