package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeguard/internal/quality"
)

const aggregatorABIJSON = `[{"inputs":[],"name":"latestAnswer","outputs":[{"internalType":"int256","name":"","type":"int256"}],"stateMutability":"view","type":"function"}]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// chainReader is the subset of ethclient.Client the feed needs.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainOptions parameterise the on-chain feed.
type ChainOptions struct {
	SourceID       string
	Symbol         string
	RPCURL         string
	OracleAddress  string
	OracleDecimals int32
	Blocks         int
	Timeout        time.Duration
}

// Chain samples the most recent blocks over Ethereum RPC. Each block yields
// one point stamped with the block time: the oracle answer at that block when
// an aggregator address is configured, otherwise the base fee in gwei.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    chainReader
	clientMux sync.Mutex
}

// NewChain builds a new on-chain feed.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	if opts.Blocks <= 0 {
		opts.Blocks = 20
	}
	return &Chain{opts: opts, logger: logger.With().Str("component", "chain_feed").Logger()}
}

// SourceID identifies the feed.
func (c *Chain) SourceID() string { return c.opts.SourceID }

// Fetch reads the last Blocks headers and builds the sample.
func (c *Chain) Fetch(ctx context.Context) (Sample, error) {
	if c.opts.RPCURL == "" && c.client == nil {
		return Sample{}, errors.New("ethereum rpc url not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Sample{}, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("block number: %w", err)
	}

	first := uint64(0)
	if head+1 > uint64(c.opts.Blocks) {
		first = head + 1 - uint64(c.opts.Blocks)
	}

	points := make([]quality.DataPoint, 0, c.opts.Blocks)
	var latest time.Time
	for n := first; n <= head; n++ {
		number := new(big.Int).SetUint64(n)
		header, err := client.HeaderByNumber(ctx, number)
		if err != nil {
			c.logger.Warn().Err(err).Uint64("block", n).Msg("skip block header")
			continue
		}

		value, ok, err := c.valueAt(ctx, client, header)
		if err != nil {
			return Sample{}, err
		}
		if !ok {
			continue
		}

		ts := time.Unix(int64(header.Time), 0).UTC()
		if ts.After(latest) {
			latest = ts
		}
		points = append(points, quality.DataPoint{Timestamp: ts, Value: value})
	}

	in := quality.Input{Points: points, ExpectedDataPoints: c.opts.Blocks}
	if !latest.IsZero() {
		in.LastUpdated = &latest
	}

	c.logger.Debug().Uint64("head", head).Int("points", len(points)).Msg("chain sampled")
	return Sample{SourceID: c.opts.SourceID, Symbol: c.opts.Symbol, DataType: quality.DataTypeOnChain, Input: in}, nil
}

func (c *Chain) valueAt(ctx context.Context, client chainReader, header *types.Header) (float64, bool, error) {
	if c.opts.OracleAddress == "" {
		if header.BaseFee == nil {
			return 0, false, nil
		}
		return decimal.NewFromBigInt(header.BaseFee, -9).InexactFloat64(), true, nil
	}

	addr := common.HexToAddress(c.opts.OracleAddress)
	payload, err := aggregatorABI.Pack("latestAnswer")
	if err != nil {
		return 0, false, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, header.Number)
	if err != nil {
		return 0, false, fmt.Errorf("call latestAnswer at block %s: %w", header.Number, err)
	}
	outputs, err := aggregatorABI.Unpack("latestAnswer", res)
	if err != nil {
		return 0, false, err
	}
	if len(outputs) != 1 {
		return 0, false, errors.New("unexpected latestAnswer response")
	}
	answer, ok := outputs[0].(*big.Int)
	if !ok {
		return 0, false, errors.New("failed to decode latestAnswer output")
	}
	return decimal.NewFromBigInt(answer, -c.opts.OracleDecimals).InexactFloat64(), true, nil
}

func (c *Chain) getClient(ctx context.Context) (chainReader, error) {
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

var _ Feed = (*Chain)(nil)
