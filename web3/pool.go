package web3

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/aionpay/relayer/log"
)

const (
	dialTimeout  = 10 * time.Second
	queryTimeout = 10 * time.Second
)

type endpoint struct {
	url    string
	client *ethclient.Client
}

// Pool balances RPC calls over a set of endpoints for the same network. It
// implements bind.ContractBackend so bound contracts transparently fail over
// to the next endpoint when one misbehaves.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	current   int
	chainID   uint64
}

// DialPool connects to every URL in parallel, drops the ones that fail or
// report a mismatching chain id, and returns a pool over the rest. The chain
// id of the first reachable endpoint wins.
func DialPool(ctx context.Context, urls []string) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no web3 endpoints provided")
	}
	p := &Pool{}
	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, url := range urls {
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			client, err := ethclient.DialContext(dialCtx, url)
			if err != nil {
				log.Warnw("skipping web3 endpoint", "rpc", url, "error", err.Error())
				return nil
			}
			chainID, err := client.ChainID(dialCtx)
			if err != nil {
				log.Warnw("skipping web3 endpoint, chain id query failed", "rpc", url, "error", err.Error())
				client.Close()
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if len(p.endpoints) > 0 && p.chainID != chainID.Uint64() {
				log.Warnw("skipping web3 endpoint with mismatching chain id",
					"rpc", url, "chainId", chainID.Uint64(), "expected", p.chainID)
				client.Close()
				return nil
			}
			p.chainID = chainID.Uint64()
			p.endpoints = append(p.endpoints, &endpoint{url: url, client: client})
			return nil
		})
	}
	_ = g.Wait()
	if len(p.endpoints) == 0 {
		return nil, fmt.Errorf("no reachable web3 endpoints among %d candidates", len(urls))
	}
	log.Infow("web3 pool initialized", "chainId", p.chainID, "endpoints", len(p.endpoints))
	return p, nil
}

// ChainID returns the network id shared by all pool endpoints.
func (p *Pool) ChainID() uint64 { return p.chainID }

// Close disconnects every endpoint.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		ep.client.Close()
	}
	p.endpoints = nil
}

// retry runs fn against the current endpoint and rotates to the next one on
// failure, trying each endpoint at most once.
func (p *Pool) retry(fn func(*ethclient.Client) error) error {
	p.mu.Lock()
	n := len(p.endpoints)
	p.mu.Unlock()
	if n == 0 {
		return fmt.Errorf("web3 pool is closed")
	}
	var err error
	for i := 0; i < n; i++ {
		p.mu.Lock()
		ep := p.endpoints[p.current]
		p.mu.Unlock()
		if err = fn(ep.client); err == nil {
			return nil
		}
		p.mu.Lock()
		p.current = (p.current + 1) % n
		p.mu.Unlock()
		log.Debugw("web3 endpoint error, rotating", "rpc", ep.url, "error", err.Error())
	}
	return err
}

// bind.ContractBackend implementation.

func (p *Pool) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.retry(func(c *ethclient.Client) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var err error
		out, err = c.CodeAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

func (p *Pool) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.retry(func(c *ethclient.Client) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var err error
		out, err = c.CallContract(ctx, call, blockNumber)
		return err
	})
	return out, err
}

func (p *Pool) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	var out []byte
	err := p.retry(func(c *ethclient.Client) error {
		var err error
		out, err = c.PendingCodeAt(ctx, account)
		return err
	})
	return out, err
}

func (p *Pool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := p.retry(func(c *ethclient.Client) error {
		var err error
		out, err = c.PendingNonceAt(ctx, account)
		return err
	})
	return out, err
}

func (p *Pool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := p.retry(func(c *ethclient.Client) error {
		var err error
		out, err = c.SuggestGasPrice(ctx)
		return err
	})
	return out, err
}

func (p *Pool) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := p.retry(func(c *ethclient.Client) error {
		var err error
		out, err = c.SuggestGasTipCap(ctx)
		return err
	})
	return out, err
}

func (p *Pool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := p.retry(func(c *ethclient.Client) error {
		var err error
		out, err = c.EstimateGas(ctx, msg)
		return err
	})
	return out, err
}

func (p *Pool) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return p.retry(func(c *ethclient.Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

func (p *Pool) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	var out *gethtypes.Header
	err := p.retry(func(c *ethclient.Client) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var err error
		out, err = c.HeaderByNumber(ctx, number)
		return err
	})
	return out, err
}

func (p *Pool) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	var out []gethtypes.Log
	err := p.retry(func(c *ethclient.Client) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var err error
		out, err = c.FilterLogs(ctx, query)
		return err
	})
	return out, err
}

func (p *Pool) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	var out ethereum.Subscription
	err := p.retry(func(c *ethclient.Client) error {
		var err error
		out, err = c.SubscribeFilterLogs(ctx, query, ch)
		return err
	})
	return out, err
}

// TransactionReceipt looks up a mined transaction's receipt.
func (p *Pool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	var out *gethtypes.Receipt
	err := p.retry(func(c *ethclient.Client) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var err error
		out, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	return out, err
}
