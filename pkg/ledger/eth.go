package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Backend is the subset of ethclient.Client used by EthLedger.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config configures EthLedger.
type Config struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64

	// ReputationAddress is the ReputationNFT contract. Reputation reads
	// fail with ErrNoReputation when it is empty.
	ReputationAddress string

	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
	// PollInterval is the initial receipt polling interval.
	PollInterval time.Duration
	// ConfirmTimeout bounds WaitConfirmed.
	ConfirmTimeout time.Duration
}

// EthLedger is the go-ethereum Ledger implementation.
type EthLedger struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	repABI   abi.ABI
	repAddr  *common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	cfg      Config
	log      *logrus.Entry

	// nonces handed out locally, so concurrent Prepare calls from one
	// signer never reuse a pending nonce
	nonceMu   sync.Mutex
	nextNonce uint64
	haveNonce bool
	// released nonces below nextNonce that were never broadcast, reused
	// lowest first so no gap stalls later transactions
	released []uint64
}

// Dial connects to cfg.RPCURL and builds an EthLedger.
func Dial(ctx context.Context, cfg Config, log *logrus.Entry) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}
	return New(client, cfg, log)
}

// New builds an EthLedger over an existing backend.
func New(backend Backend, cfg Config, log *logrus.Entry) (*EthLedger, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address: %s", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(BugBountyABI))
	if err != nil {
		return nil, fmt.Errorf("failed to load BugBounty ABI: %w", err)
	}

	repParsed, err := abi.JSON(strings.NewReader(ReputationNFTABI))
	if err != nil {
		return nil, fmt.Errorf("failed to load ReputationNFT ABI: %w", err)
	}
	var repAddr *common.Address
	if cfg.ReputationAddress != "" {
		if !common.IsHexAddress(cfg.ReputationAddress) {
			return nil, fmt.Errorf("invalid reputation contract address: %s", cfg.ReputationAddress)
		}
		a := common.HexToAddress(cfg.ReputationAddress)
		repAddr = &a
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}

	return &EthLedger{
		backend:  backend,
		contract: common.HexToAddress(cfg.ContractAddress),
		abi:      parsed,
		repABI:   repParsed,
		repAddr:  repAddr,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		cfg:      cfg,
		log:      log.WithField("component", "ledger"),
	}, nil
}

// From returns the signing account.
func (l *EthLedger) From() common.Address { return l.from }

// Prepare packs, estimates and signs a call. Nothing is sent.
func (l *EthLedger) Prepare(ctx context.Context, call Call) (*PendingTx, error) {
	data, err := l.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", call.Method, err)
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := l.cfg.GasLimit
	if gasLimit == 0 {
		gasLimit, err = l.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  l.from,
			To:    &l.contract,
			Value: value,
			Data:  data,
		})
		if err != nil {
			if isRevert(err) {
				return nil, fmt.Errorf("%w: %s estimation: %v", ErrReverted, call.Method, err)
			}
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		// Add 20% buffer
		gasLimit = gasLimit * 12 / 10
	}

	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	nonce, err := l.reserveNonce(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, l.signer, l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"method":    call.Method,
		"tx_hash":   signed.Hash().Hex(),
		"nonce":     nonce,
		"gas_limit": gasLimit,
		"gas_price": gasPrice.String(),
	}).Debug("transaction prepared")

	return &PendingTx{
		Method: call.Method,
		Nonce:  nonce,
		Hash:   signed.Hash(),
		Tx:     signed,
	}, nil
}

func (l *EthLedger) reserveNonce(ctx context.Context) (uint64, error) {
	l.nonceMu.Lock()
	defer l.nonceMu.Unlock()

	pending, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	if !l.haveNonce || pending > l.nextNonce {
		l.nextNonce = pending
		l.haveNonce = true
	}

	// nonces the node has seen since they were released are gone
	l.released = slices.DeleteFunc(l.released, func(n uint64) bool { return n < pending })
	if len(l.released) > 0 {
		nonce := l.released[0]
		l.released = l.released[1:]
		return nonce, nil
	}

	nonce := l.nextNonce
	l.nextNonce++
	return nonce, nil
}

// Release returns the nonce of a transaction that never reached the
// node. The next Prepare reuses it, so later transactions are not left
// waiting behind a gap.
func (l *EthLedger) Release(tx *PendingTx) {
	l.nonceMu.Lock()
	defer l.nonceMu.Unlock()
	if !l.haveNonce || tx.Nonce >= l.nextNonce || slices.Contains(l.released, tx.Nonce) {
		return
	}
	if tx.Nonce+1 == l.nextNonce {
		l.nextNonce = tx.Nonce
		// fold released nonces directly below into the counter
		for len(l.released) > 0 && l.released[len(l.released)-1]+1 == l.nextNonce {
			l.nextNonce--
			l.released = l.released[:len(l.released)-1]
		}
		return
	}
	i, _ := slices.BinarySearch(l.released, tx.Nonce)
	l.released = slices.Insert(l.released, i, tx.Nonce)
}

// Broadcast sends the signed transaction. Sending the same transaction
// again is harmless: a node that already knows it counts as success.
func (l *EthLedger) Broadcast(ctx context.Context, tx *PendingTx) error {
	err := l.backend.SendTransaction(ctx, tx.Tx)
	if err == nil || isAlreadyKnown(err) {
		l.log.WithFields(logrus.Fields{
			"method":  tx.Method,
			"tx_hash": tx.Hash.Hex(),
		}).Info("transaction broadcast")
		return nil
	}
	if isNonceConsumed(err) {
		return fmt.Errorf("%w: %v", ErrNonceConsumed, err)
	}
	if isRevert(err) {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return fmt.Errorf("failed to send transaction: %w", err)
}

// errPending is returned by the receipt poll while the tx is unmined.
var errPending = errors.New("receipt not yet available")

// WaitConfirmed polls for the receipt with exponential backoff until it
// appears, the confirmation timeout elapses or ctx ends. Transient RPC
// errors are retried; a status 0 receipt is ErrReverted.
func (l *EthLedger) WaitConfirmed(ctx context.Context, tx *PendingTx) (*Receipt, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.PollInterval
	b.MaxInterval = 8 * l.cfg.PollInterval
	b.MaxElapsedTime = l.cfg.ConfirmTimeout

	var receipt *types.Receipt
	op := func() error {
		r, err := l.backend.TransactionReceipt(ctx, tx.Hash)
		switch {
		case err == nil:
			receipt = r
			return nil
		case errors.Is(err, ethereum.NotFound):
			return errPending
		case IsTransient(err):
			l.log.WithError(err).WithField("tx_hash", tx.Hash.Hex()).Warn("receipt poll failed, retrying")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errPending) {
			return nil, fmt.Errorf("%w: %s", ErrConfirmTimeout, tx.Hash.Hex())
		}
		return nil, fmt.Errorf("failed waiting for %s: %w", tx.Hash.Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		l.log.WithFields(logrus.Fields{
			"method":  tx.Method,
			"tx_hash": tx.Hash.Hex(),
		}).Error("transaction reverted")
		return nil, fmt.Errorf("%w: %s %s", ErrReverted, tx.Method, tx.Hash.Hex())
	}

	out := &Receipt{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}

	l.log.WithFields(logrus.Fields{
		"method":       tx.Method,
		"tx_hash":      out.TxHash.Hex(),
		"block_number": out.BlockNumber,
		"gas_used":     out.GasUsed,
	}).Info("transaction confirmed")

	return out, nil
}

func (l *EthLedger) call(ctx context.Context, method string, args ...any) ([]any, error) {
	return l.callAt(ctx, l.contract, l.abi, method, args...)
}

func (l *EthLedger) callAt(ctx context.Context, to common.Address, a abi.ABI, method string, args ...any) ([]any, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrReverted, method, err)
		}
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	res, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return res, nil
}

// Tuple layouts as the ABI decoder produces them.
type bountyTuple struct {
	Creator     common.Address
	Reward      *big.Int
	Deadline    *big.Int
	IsOpen      bool
	AssignedDAO common.Address
}

type submissionTuple struct {
	BountyId       *big.Int
	SubmissionHash string
	Researcher     common.Address
	IsApproved     bool
	IsRejected     bool
}

type unsolicitedTuple struct {
	TokenId        *big.Int
	SubmissionHash string
	Researcher     common.Address
	Company        common.Address
	IsApproved     bool
	IsRejected     bool
}

func (l *EthLedger) GetBounty(ctx context.Context, id uint64) (*Bounty, error) {
	res, err := l.call(ctx, "getBounty", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	t := *abi.ConvertType(res[0], new(bountyTuple)).(*bountyTuple)
	return &Bounty{
		ID:          id,
		Creator:     t.Creator,
		Reward:      t.Reward,
		Deadline:    t.Deadline.Uint64(),
		IsOpen:      t.IsOpen,
		AssignedDAO: t.AssignedDAO,
	}, nil
}

func (l *EthLedger) GetSubmissions(ctx context.Context, bountyID uint64) ([]Submission, error) {
	res, err := l.call(ctx, "getSubmissions", new(big.Int).SetUint64(bountyID))
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(res[0], new([]submissionTuple)).(*[]submissionTuple)

	out := make([]Submission, len(tuples))
	for i, t := range tuples {
		out[i] = Submission{
			Index:          i,
			BountyID:       t.BountyId.Uint64(),
			SubmissionHash: t.SubmissionHash,
			Researcher:     t.Researcher,
			IsApproved:     t.IsApproved,
			IsRejected:     t.IsRejected,
		}
	}
	return out, nil
}

func (l *EthLedger) GetUnsolicitedBug(ctx context.Context, bugID uint64) (*UnsolicitedBug, error) {
	res, err := l.call(ctx, "getUnsolicitedBug", new(big.Int).SetUint64(bugID))
	if err != nil {
		return nil, err
	}
	t := *abi.ConvertType(res[0], new(unsolicitedTuple)).(*unsolicitedTuple)
	return &UnsolicitedBug{
		TokenID:        t.TokenId.Uint64(),
		SubmissionHash: t.SubmissionHash,
		Researcher:     t.Researcher,
		Company:        t.Company,
		IsApproved:     t.IsApproved,
		IsRejected:     t.IsRejected,
	}, nil
}

// GetAllBounties lists every bounty. Bounty ids start at 1.
func (l *EthLedger) GetAllBounties(ctx context.Context) ([]Bounty, error) {
	res, err := l.call(ctx, "getAllBounties")
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(res[0], new([]bountyTuple)).(*[]bountyTuple)

	out := make([]Bounty, len(tuples))
	for i, t := range tuples {
		out[i] = Bounty{
			ID:          uint64(i) + 1,
			Creator:     t.Creator,
			Reward:      t.Reward,
			Deadline:    t.Deadline.Uint64(),
			IsOpen:      t.IsOpen,
			AssignedDAO: t.AssignedDAO,
		}
	}
	return out, nil
}

func (l *EthLedger) GetAllUnsolicitedBugs(ctx context.Context) ([]UnsolicitedBug, error) {
	res, err := l.call(ctx, "getAllUnsolicitedBugs")
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(res[0], new([]unsolicitedTuple)).(*[]unsolicitedTuple)

	out := make([]UnsolicitedBug, len(tuples))
	for i, t := range tuples {
		out[i] = UnsolicitedBug{
			TokenID:        t.TokenId.Uint64(),
			SubmissionHash: t.SubmissionHash,
			Researcher:     t.Researcher,
			Company:        t.Company,
			IsApproved:     t.IsApproved,
			IsRejected:     t.IsRejected,
		}
	}
	return out, nil
}

// GetReputation reads a researcher's ReputationNFT token.
func (l *EthLedger) GetReputation(ctx context.Context, researcher common.Address) (*Reputation, error) {
	if l.repAddr == nil {
		return nil, ErrNoReputation
	}
	to := *l.repAddr

	res, err := l.callAt(ctx, to, l.repABI, "hasNFT", researcher)
	if err != nil {
		return nil, err
	}
	has, _ := res[0].(bool)
	rep := &Reputation{Researcher: researcher, HasNFT: has}
	if !rep.HasNFT {
		return rep, nil
	}

	res, err = l.callAt(ctx, to, l.repABI, "getTokenId", researcher)
	if err != nil {
		return nil, err
	}
	tokenID, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getTokenId result %T", res[0])
	}
	rep.TokenID = tokenID.Uint64()

	res, err = l.callAt(ctx, to, l.repABI, "getReputationOf", researcher)
	if err != nil {
		return nil, err
	}
	level, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getReputationOf result %T", res[0])
	}
	rep.Level = level.Uint64()

	res, err = l.callAt(ctx, to, l.repABI, "staked", tokenID)
	if err != nil {
		return nil, err
	}
	rep.Staked, _ = res[0].(bool)
	return rep, nil
}
