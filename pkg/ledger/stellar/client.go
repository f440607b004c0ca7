package stellar

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"

	"carbon-scribe/agri-credit/pkg/ledger"
)

const (
	// Stellar caps a data entry value at 64 bytes
	chunkSize = 64
	// and a text memo at 28
	memoTextLimit = 28

	defaultTokenDecimals = 6
	txTimeoutSeconds     = 300
	// how far back FindNote and FindMint look in an account's history
	lookupDepth = 200
)

var errBuild = errors.New("failed to prepare stellar transaction")

// Config contains Stellar network configuration
type Config struct {
	HorizonURL string `json:"horizon_url"`
	Network    string `json:"network"` // "testnet" or "public"
	AssetCode  string `json:"asset_code"`
	// IssuerSecretKey signs mint payments of the credit asset
	IssuerSecretKey string        `json:"issuer_secret_key"`
	HTTPTimeout     time.Duration `json:"http_timeout"`
	// TokenDecimals is the number of minor-unit decimals in a mint amount
	TokenDecimals int32 `json:"token_decimals"`
}

// Client anchors notes and mints credit tokens on Stellar through Horizon
type Client struct {
	horizon           *horizonclient.Client
	issuer            *keypair.Full
	asset             txnbuild.CreditAsset
	decimals          int32
	networkPassphrase string
	logger            *zap.Logger
}

var (
	_ ledger.NoteLedger  = (*Client)(nil)
	_ ledger.TokenLedger = (*Client)(nil)
)

// NewClient creates a new Stellar client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	passphrase := network.TestNetworkPassphrase
	horizon := horizonclient.DefaultTestNetClient
	if cfg.Network == "public" {
		passphrase = network.PublicNetworkPassphrase
		horizon = horizonclient.DefaultPublicNetClient
	}
	if cfg.HorizonURL != "" {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		horizon = &horizonclient.Client{
			HorizonURL: cfg.HorizonURL,
			HTTP:       &http.Client{Timeout: timeout},
		}
	}

	issuer, err := keypair.ParseFull(cfg.IssuerSecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer key pair: %w", err)
	}
	if cfg.AssetCode == "" {
		return nil, errors.New("asset code is required")
	}
	decimals := cfg.TokenDecimals
	if decimals == 0 {
		decimals = defaultTokenDecimals
	}
	if decimals < 0 || decimals > 7 {
		return nil, fmt.Errorf("token decimals must be between 0 and 7, got %d", decimals)
	}

	return &Client{
		horizon:           horizon,
		issuer:            issuer,
		asset:             txnbuild.CreditAsset{Code: cfg.AssetCode, Issuer: issuer.Address()},
		decimals:          decimals,
		networkPassphrase: passphrase,
		logger:            logger,
	}, nil
}

// SubmitNote writes payload as ManageData entries on a transaction with a hash memo.
// Horizon's synchronous submit returns after the ledger closes.
func (c *Client) SubmitNote(ctx context.Context, signer ledger.Signer, payload []byte) (ledger.Receipt, error) {
	kp, err := keypair.ParseFull(signer.Seed)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to parse signer key pair: %w", err)
	}
	if len(payload) == 0 {
		return ledger.Receipt{}, errors.New("note payload is empty")
	}

	ops := make([]txnbuild.Operation, 0, len(payload)/chunkSize+1)
	for i, start := 0, 0; start < len(payload); i, start = i+1, start+chunkSize {
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		ops = append(ops, &txnbuild.ManageData{
			Name:  fmt.Sprintf("dc%02d", i),
			Value: payload[start:end],
		})
	}

	sum := sha256.Sum256(payload)
	return c.submit(ctx, kp, ops, txnbuild.MemoHash(sum))
}

// FindNote looks through the signer's recent transactions for one whose memo is the payload hash
func (c *Client) FindNote(ctx context.Context, signer ledger.Signer, payload []byte) (ledger.Receipt, error) {
	sum := sha256.Sum256(payload)
	memo := base64.StdEncoding.EncodeToString(sum[:])
	return c.find(ctx, signer.Address, func(tx hProtocol.Transaction) bool {
		return tx.MemoType == "hash" && tx.Memo == memo
	})
}

// ReadNote reassembles the ManageData chunks of a note transaction
func (c *Client) ReadNote(ctx context.Context, txRef string) ([]byte, error) {
	var page operations.OperationsPage
	err := withContext(ctx, func() error {
		var err error
		page, err = c.horizon.Operations(horizonclient.OperationRequest{ForTransaction: txRef, Limit: 200})
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	var chunks []operations.ManageData
	for _, record := range page.Embedded.Records {
		if md, ok := record.(operations.ManageData); ok {
			chunks = append(chunks, md)
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no note data in %s", ledger.ErrNotFound, txRef)
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Name < chunks[j].Name })

	var payload []byte
	for _, md := range chunks {
		value, err := base64.StdEncoding.DecodeString(md.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode note chunk %s: %w", md.Name, err)
		}
		payload = append(payload, value...)
	}
	return payload, nil
}

// Mint pays amount minor units of the credit asset from the issuer to address.
// reference becomes the text memo of the payment.
func (c *Client) Mint(ctx context.Context, address string, amount int64, reference string) (ledger.Receipt, error) {
	if amount <= 0 {
		return ledger.Receipt{}, fmt.Errorf("mint amount must be positive, got %d", amount)
	}
	optedIn, err := c.OptInStatus(ctx, address)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if !optedIn {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrNotOptedIn, address)
	}

	payment := &txnbuild.Payment{
		Destination: address,
		Amount:      FormatAmount(amount, c.decimals),
		Asset:       c.asset,
	}
	return c.submit(ctx, c.issuer, []txnbuild.Operation{payment}, txnbuild.MemoText(memoText(reference)))
}

// FindMint looks through the issuer's recent transactions for a payment memo equal to reference
func (c *Client) FindMint(ctx context.Context, reference string) (ledger.Receipt, error) {
	memo := memoText(reference)
	return c.find(ctx, c.issuer.Address(), func(tx hProtocol.Transaction) bool {
		return tx.MemoType == "text" && tx.Memo == memo
	})
}

func (c *Client) find(ctx context.Context, account string, match func(hProtocol.Transaction) bool) (ledger.Receipt, error) {
	var page hProtocol.TransactionsPage
	err := withContext(ctx, func() error {
		var err error
		page, err = c.horizon.Transactions(horizonclient.TransactionRequest{
			ForAccount: account,
			Order:      horizonclient.OrderDesc,
			Limit:      lookupDepth,
		})
		return err
	})
	if err != nil {
		return ledger.Receipt{}, classify(err)
	}

	for _, tx := range page.Embedded.Records {
		if tx.Successful && match(tx) {
			return ledger.Receipt{TxRef: tx.Hash, ConfirmedBlock: int64(tx.Ledger)}, nil
		}
	}
	return ledger.Receipt{}, fmt.Errorf("%w: no matching transaction for %s", ledger.ErrNotFound, account)
}

// OptInStatus reports whether address holds a trustline for the credit asset
func (c *Client) OptInStatus(ctx context.Context, address string) (bool, error) {
	var account hProtocol.Account
	err := withContext(ctx, func() error {
		var err error
		account, err = c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
		return err
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, ledger.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	for _, balance := range account.Balances {
		if balance.Code == c.asset.Code && balance.Issuer == c.asset.Issuer {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) submit(ctx context.Context, kp *keypair.Full, ops []txnbuild.Operation, memo txnbuild.Memo) (ledger.Receipt, error) {
	var tx *txnbuild.Transaction
	err := withContext(ctx, func() error {
		source, err := c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: kp.Address()})
		if err != nil {
			return err
		}

		tx, err = txnbuild.NewTransaction(txnbuild.TransactionParams{
			SourceAccount:        &source,
			IncrementSequenceNum: true,
			Operations:           ops,
			BaseFee:              txnbuild.MinBaseFee,
			Memo:                 memo,
			Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txTimeoutSeconds)},
		})
		if err != nil {
			return fmt.Errorf("%w: build: %v", errBuild, err)
		}

		tx, err = tx.Sign(c.networkPassphrase, kp)
		if err != nil {
			return fmt.Errorf("%w: sign: %v", errBuild, err)
		}
		return nil
	})
	if err != nil {
		return ledger.Receipt{}, classify(err)
	}

	// From here on the transaction may be on the network whatever the response says
	var result hProtocol.Transaction
	err = withContext(ctx, func() error {
		var err error
		result, err = c.horizon.SubmitTransaction(tx)
		return err
	})
	if err != nil {
		return ledger.Receipt{}, classifySubmit(err)
	}
	if !result.Successful {
		return ledger.Receipt{}, fmt.Errorf("transaction %s was not successful", result.Hash)
	}

	c.logger.Info("Stellar transaction confirmed",
		zap.String("tx_hash", result.Hash),
		zap.Int32("ledger", result.Ledger),
		zap.Int("operations", len(ops)))

	return ledger.Receipt{TxRef: result.Hash, ConfirmedBlock: int64(result.Ledger)}, nil
}

// FormatAmount renders integer minor units with the given decimals as a Stellar amount string
func FormatAmount(minor int64, decimals int32) string {
	return decimal.New(minor, -decimals).StringFixed(7)
}

// memoText cuts s to the memo limit without splitting a character
func memoText(s string) string {
	if len(s) <= memoTextLimit {
		return s
	}
	end := 0
	for i, r := range s {
		if i+utf8.RuneLen(r) > memoTextLimit {
			break
		}
		end = i + utf8.RuneLen(r)
	}
	return s[:end]
}

// classify maps Horizon failures onto the ledger error set
func classify(err error) error {
	if errors.Is(err, errBuild) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	hErr := horizonclient.GetError(err)
	if hErr == nil {
		// Network-level failure before Horizon answered
		return fmt.Errorf("%w: %v", ledger.ErrTransient, err)
	}

	status := hErr.Problem.Status
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: horizon status %d: %v", ledger.ErrTransient, status, err)
	}

	if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil {
		if codes.TransactionCode == "tx_bad_seq" || codes.TransactionCode == "tx_too_late" {
			return fmt.Errorf("%w: %s", ledger.ErrTransient, codes.TransactionCode)
		}
		return fmt.Errorf("transaction rejected: %s %v", codes.TransactionCode, codes.OperationCodes)
	}
	return fmt.Errorf("horizon request failed: %w", err)
}

// classifySubmit maps a failed submission. Only answers that prove the transaction was
// refused are retryable; anything else may hide an applied transaction.
func classifySubmit(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: submission interrupted: %v", ledger.ErrUnconfirmed, err)
	}

	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return fmt.Errorf("%w: %v", ledger.ErrUnconfirmed, err)
	}

	status := hErr.Problem.Status
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: horizon status %d: %v", ledger.ErrTransient, status, err)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: horizon status %d: %v", ledger.ErrUnconfirmed, status, err)
	}

	if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil {
		if codes.TransactionCode == "tx_bad_seq" || codes.TransactionCode == "tx_too_late" {
			return fmt.Errorf("%w: %s", ledger.ErrTransient, codes.TransactionCode)
		}
		return fmt.Errorf("transaction rejected: %s %v", codes.TransactionCode, codes.OperationCodes)
	}
	return fmt.Errorf("horizon request failed: %w", err)
}

// withContext runs a blocking Horizon call and returns early when ctx ends
func withContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
