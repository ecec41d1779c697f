package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"tradeguard/internal/quality"
)

type fakeChain struct {
	head    uint64
	missing map[uint64]bool
	answers map[uint64]int64
	calls   int
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	n := number.Uint64()
	if f.missing[n] {
		return nil, errors.New("not found")
	}
	return &types.Header{
		Number:  new(big.Int).Set(number),
		Time:    1_700_000_000 + n*12,
		BaseFee: big.NewInt(int64(n) * 1_000_000_000),
	}, nil
}

func (f *fakeChain) CallContract(_ context.Context, _ ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.calls++
	return aggregatorABI.Methods["latestAnswer"].Outputs.Pack(big.NewInt(f.answers[block.Uint64()]))
}

func TestChainMissingConfig(t *testing.T) {
	c := NewChain(ChainOptions{}, noopLogger())
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}
}

func TestChainSamplesBaseFee(t *testing.T) {
	reader := &fakeChain{head: 104, missing: map[uint64]bool{102: true}}
	c := NewChain(ChainOptions{SourceID: "eth", Symbol: "ETH-BASEFEE", Blocks: 5}, noopLogger())
	c.client = reader

	sample, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch 返回错误: %v", err)
	}
	if sample.DataType != quality.DataTypeOnChain {
		t.Fatalf("数据类型应为 ON_CHAIN，实际 %s", sample.DataType)
	}
	if sample.Input.ExpectedDataPoints != 5 {
		t.Fatalf("期望数据点 5，实际 %d", sample.Input.ExpectedDataPoints)
	}
	if len(sample.Input.Points) != 4 {
		t.Fatalf("缺失区块应被跳过，实际点数 %d", len(sample.Input.Points))
	}
	if got := sample.Input.Points[0].Value; got != 100 {
		t.Fatalf("第一个区块 base fee 应为 100 gwei，实际 %v", got)
	}
	if sample.Input.LastUpdated == nil || sample.Input.LastUpdated.Unix() != 1_700_000_000+104*12 {
		t.Fatalf("LastUpdated 应为最新区块时间")
	}
	if reader.calls != 0 {
		t.Fatalf("未配置预言机时不应调用合约")
	}
}

func TestChainReadsOracleAnswers(t *testing.T) {
	reader := &fakeChain{head: 2, answers: map[uint64]int64{0: 300_000_000_000, 1: 301_000_000_000, 2: 302_500_000_000}}
	c := NewChain(ChainOptions{
		SourceID:       "chainlink-eth",
		Symbol:         "ETH-USD",
		OracleAddress:  "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		OracleDecimals: 8,
		Blocks:         10,
	}, noopLogger())
	c.client = reader

	sample, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch 返回错误: %v", err)
	}
	if len(sample.Input.Points) != 3 {
		t.Fatalf("链高度不足时应从创世块开始，实际点数 %d", len(sample.Input.Points))
	}
	if got := sample.Input.Points[2].Value; got != 3025 {
		t.Fatalf("预言机价格应为 3025，实际 %v", got)
	}
	if reader.calls != 3 {
		t.Fatalf("每个区块应调用一次合约，实际 %d", reader.calls)
	}
}
