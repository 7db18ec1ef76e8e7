// Package chaintest provides an in-memory Chainlance contract that speaks the
// same backend surface as a JSON-RPC endpoint. Calls are decoded through the
// real binding, so encoding mistakes show up in tests exactly as they would
// against a node.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/garnizeh/chainlance/pkg/binding"
)

// ChainID of the simulated network.
var ChainID = big.NewInt(1337)

// DefaultAddress is where the simulated contract lives.
var DefaultAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

const estimatedGas = 150_000

// RevertError is what the simulated node returns for a reverted call. It
// mirrors a geth JSON-RPC error: code 3 with Error(string) revert data.
type RevertError struct {
	Reason string
	data   string
}

func (e *RevertError) Error() string          { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorCode() int         { return 3 }
func (e *RevertError) ErrorData() interface{} { return e.data }

func revert(format string, args ...any) *RevertError {
	reason := fmt.Sprintf(format, args...)
	return &RevertError{Reason: reason, data: hexutil.Encode(RevertData(reason))}
}

// RevertData encodes reason as the Error(string) payload.
func RevertData(reason string) []byte {
	str, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: str}}.Pack(reason)
	return append(keccak([]byte("Error(string)"))[:4], packed...)
}

func keccak(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Fault lets a test fail a backend method. Returning nil lets the call through.
type Fault func(method string) error

type pendingTx struct {
	tx   *types.Transaction
	from common.Address
}

// Contract is the simulated chain plus the deployed contract.
type Contract struct {
	mu      sync.Mutex
	b       *binding.Binding
	address common.Address

	block    uint64
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
	pending  []pendingTx
	nonces   map[common.Address]uint64
	autoMine bool
	fault    Fault
	fail     map[string]string

	accounts       map[common.Address]binding.Account
	offers         map[common.Hash]*binding.OfferedWork
	offerOrder     []common.Hash
	candidates     map[common.Hash][]common.Address
	agreements     map[common.Hash]*binding.Agreement
	agreementOrder []common.Hash
	asked          map[common.Hash][]common.Address
	escrow         *big.Int
	paid           map[common.Address]*big.Int
	seq            uint64
}

// New deploys an empty contract at DefaultAddress. Transactions are mined as
// soon as they are sent unless SetAutoMine(false) is called.
func New(b *binding.Binding) *Contract {
	return &Contract{
		b:          b,
		address:    DefaultAddress,
		block:      1,
		receipts:   make(map[common.Hash]*types.Receipt),
		nonces:     make(map[common.Address]uint64),
		autoMine:   true,
		fail:       make(map[string]string),
		accounts:   make(map[common.Address]binding.Account),
		offers:     make(map[common.Hash]*binding.OfferedWork),
		candidates: make(map[common.Hash][]common.Address),
		agreements: make(map[common.Hash]*binding.Agreement),
		asked:      make(map[common.Hash][]common.Address),
		escrow:     new(big.Int),
		paid:       make(map[common.Address]*big.Int),
	}
}

func (c *Contract) Address() common.Address { return c.address }

// SetFault installs f for every subsequent backend call.
func (c *Contract) SetFault(f Fault) {
	c.mu.Lock()
	c.fault = f
	c.mu.Unlock()
}

func (c *Contract) SetAutoMine(on bool) {
	c.mu.Lock()
	c.autoMine = on
	c.mu.Unlock()
}

// RevertOnMine makes the next transaction to method revert when mined even
// though its estimate passed, as when state changes between the two.
func (c *Contract) RevertOnMine(method, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[method] = reason
}

// Paid returns what the contract released to addr.
func (c *Contract) Paid(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.paid[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (c *Contract) checkFault(method string) error {
	if c.fault == nil {
		return nil
	}
	return c.fault(method)
}

// Mine includes every pending transaction in a new block.
func (c *Contract) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineLocked()
}

func (c *Contract) mineLocked() {
	if len(c.pending) == 0 {
		return
	}
	c.block++
	for i, p := range c.pending {
		c.include(p, uint(i))
	}
	c.pending = nil
}

func (c *Contract) include(p pendingTx, txIndex uint) {
	rcpt := &types.Receipt{
		Type:              p.tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            p.tx.Hash(),
		GasUsed:           estimatedGas,
		CumulativeGasUsed: estimatedGas,
		BlockNumber:       new(big.Int).SetUint64(c.block),
		TransactionIndex:  txIndex,
		EffectiveGasPrice: p.tx.GasPrice(),
	}
	method, args, err := c.decodeInput(p.tx.Data())
	if err == nil {
		if reason, ok := c.fail[method.Name]; ok {
			delete(c.fail, method.Name)
			err = revert("%s", reason)
		}
	}
	var apply func() []emitted
	if err == nil {
		apply, err = c.exec(p.from, p.tx.Value(), method.Name, args)
	}
	if err != nil {
		rcpt.Status = types.ReceiptStatusFailed
		c.receipts[p.tx.Hash()] = rcpt
		return
	}
	for _, e := range apply() {
		l := c.buildLog(e)
		l.BlockNumber = c.block
		l.TxHash = p.tx.Hash()
		l.TxIndex = txIndex
		l.Index = uint(len(c.logs))
		c.logs = append(c.logs, l)
		rcpt.Logs = append(rcpt.Logs, &l)
	}
	c.receipts[p.tx.Hash()] = rcpt
}

func (c *Contract) decodeInput(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, revert("missing selector")
	}
	parsed := c.b.ABI()
	m, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, revert("unknown selector %x", data[:4])
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revert("bad calldata for %s", m.Name)
	}
	return m, args, nil
}

// CallContract answers views and dry-runs mutating calls without committing.
func (c *Contract) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_call"); err != nil {
		return nil, err
	}
	if call.To == nil || *call.To != c.address {
		return nil, nil
	}
	m, args, err := c.decodeInput(call.Data)
	if err != nil {
		return nil, err
	}
	if !m.IsConstant() {
		if _, err := c.exec(call.From, valueOf(call.Value), m.Name, args); err != nil {
			return nil, err
		}
		return []byte{}, nil
	}
	out, err := c.view(call.From, m.Name, args)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(out...)
}

func valueOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (c *Contract) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_estimateGas"); err != nil {
		return 0, err
	}
	m, args, err := c.decodeInput(call.Data)
	if err != nil {
		return 0, err
	}
	if _, err := c.exec(call.From, valueOf(call.Value), m.Name, args); err != nil {
		return 0, err
	}
	return estimatedGas, nil
}

func (c *Contract) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_sendRawTransaction"); err != nil {
		return err
	}
	from, err := types.Sender(types.LatestSignerForChainID(ChainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.To() == nil || *tx.To() != c.address {
		return errors.New("transaction target is not the contract")
	}
	if want := c.nonces[from]; tx.Nonce() != want {
		return fmt.Errorf("nonce mismatch: have %d want %d", tx.Nonce(), want)
	}
	c.nonces[from]++
	c.pending = append(c.pending, pendingTx{tx: tx, from: from})
	if c.autoMine {
		c.mineLocked()
	}
	return nil
}

func (c *Contract) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_getTransactionReceipt"); err != nil {
		return nil, err
	}
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Contract) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_getTransactionCount"); err != nil {
		return 0, err
	}
	return c.nonces[account], nil
}

func (c *Contract) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_gasPrice"); err != nil {
		return nil, err
	}
	return big.NewInt(1_000_000_000), nil
}

func (c *Contract) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_blockNumber"); err != nil {
		return 0, err
	}
	return c.block, nil
}

func (c *Contract) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_chainId"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(ChainID), nil
}

// FilterLogs matches logs by block range, address, and positional topics.
func (c *Contract) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFault("eth_getLogs"); err != nil {
		return nil, err
	}
	from := uint64(0)
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	to := c.block
	if q.ToBlock != nil {
		to = q.ToBlock.Uint64()
	}
	out := []types.Log{}
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		if !topicsMatch(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	if len(filter) > len(topics) {
		return false
	}
	for i, alts := range filter {
		if len(alts) == 0 {
			continue
		}
		ok := false
		for _, h := range alts {
			if topics[i] == h {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// InjectLog appends a raw log in a new block, for replaying duplicates or
// malformed entries.
func (c *Contract) InjectLog(l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block++
	l.BlockNumber = c.block
	l.Index = uint(len(c.logs))
	if l.Address == (common.Address{}) {
		l.Address = c.address
	}
	c.logs = append(c.logs, l)
}

// Logs returns a copy of every emitted log.
func (c *Contract) Logs() []types.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Log(nil), c.logs...)
}

// Key returns a deterministic private key for test account i.
func Key(i int) *ecdsa.PrivateKey {
	seed := keccak([]byte("chaintest"), []byte{byte(i >> 8), byte(i)})
	k, err := crypto.ToECDSA(seed)
	if err != nil {
		panic("chaintest: derive key: " + err.Error())
	}
	return k
}

// Seed registers an account directly, without a transaction or log.
func (c *Contract) Seed(acct binding.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[acct.Address] = acct
}

// Transact signs and sends a call to method from key, bypassing any client
// layer. It returns the receipt when auto-mining, or nil otherwise.
func (c *Contract) Transact(key *ecdsa.PrivateKey, value *big.Int, method string, args ...any) (*types.Receipt, error) {
	data, err := c.b.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	ctx := context.Background()
	nonce, err := c.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    valueOf(value),
		Gas:      estimatedGas,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(ChainID), key)
	if err != nil {
		return nil, err
	}
	if err := c.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	r, err := c.TransactionReceipt(ctx, signed.Hash())
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return r, err
}

// PendingCount is the number of sent transactions not yet mined.
func (c *Contract) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
