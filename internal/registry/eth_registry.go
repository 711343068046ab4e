package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"homeescrow/internal/escrow"
)

// erc721ABI covers the calls the escrow service makes against the property registry.
const erc721ABI = `[
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// EthRegistry talks to an ERC-721 property registry over JSON-RPC. Transfers
// are signed with the escrow custody key, so the contract sees the engine as
// the operator.
type EthRegistry struct {
	client         *ethclient.Client
	contract       *bind.BoundContract
	address        common.Address
	sender         common.Address
	chainID        *big.Int
	transacts      *bind.TransactOpts
	receiptTimeout time.Duration
}

type EthRegistryConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	Contract       string
	ReceiptTimeout time.Duration
}

func NewEthRegistry(ctx context.Context, cfg EthRegistryConfig) (*EthRegistry, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("registry contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for custody transfers")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	address := common.HexToAddress(cfg.Contract)
	return &EthRegistry{
		client:         cli,
		contract:       bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		address:        address,
		sender:         txOpts.From,
		chainID:        chainID,
		transacts:      txOpts,
		receiptTimeout: timeout,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the registry contract address.
func (c *EthRegistry) Address() common.Address { return c.address }

// Sender is the custody account transfers are signed with.
func (c *EthRegistry) Sender() common.Address { return c.sender }

func (c *EthRegistry) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *EthRegistry) OwnerOf(ctx context.Context, id escrow.AssetID) (common.Address, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", tokenID(id)); err != nil {
		return common.Address{}, fmt.Errorf("ownerOf %d: %w", id, err)
	}
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("ownerOf %d: empty result", id)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (c *EthRegistry) TokenURI(ctx context.Context, id escrow.AssetID) (string, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "tokenURI", tokenID(id)); err != nil {
		return "", fmt.Errorf("tokenURI %d: %w", id, err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("tokenURI %d: empty result", id)
	}
	uri, _ := out[0].(string)
	return uri, nil
}

func (c *EthRegistry) TotalSupply(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "totalSupply"); err != nil {
		return 0, fmt.Errorf("totalSupply: %w", err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("totalSupply: empty result")
	}
	supply := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !supply.IsUint64() {
		return 0, fmt.Errorf("totalSupply out of range: %s", supply)
	}
	return supply.Uint64(), nil
}

// TransferFrom submits transferFrom and waits until it is mined. A reverted
// receipt is reported as an error so the engine can abort.
func (c *EthRegistry) TransferFrom(ctx context.Context, from, to common.Address, id escrow.AssetID) error {
	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "transferFrom", from, to, tokenID(id))
	if err != nil {
		return fmt.Errorf("transferFrom tx: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.client, tx)
	if err != nil {
		return fmt.Errorf("transferFrom %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transferFrom %s reverted", tx.Hash().Hex())
	}
	return nil
}

func (c *EthRegistry) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func tokenID(id escrow.AssetID) *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
