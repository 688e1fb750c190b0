// Package horizon implements ledger.Client on top of a Horizon API server.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"

	"pi-faucet/internal/ledger"
	"pi-faucet/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 2
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultBackoffMult = 2.0

	DefaultBaseFee   int64 = 1_000_000
	DefaultTxTimeout int64 = 30 // seconds the signed transaction stays valid
	DefaultMemo            = "Good Samaritan"
	DefaultScanLimit uint  = 50
)

// Client implements ledger.Client using the Horizon REST API.
type Client struct {
	horizonURL  string
	passphrase  string
	signer      *keypair.Full
	client      *http.Client
	logger      *zap.Logger
	baseFee     int64
	txTimeout   int64
	memo        string
	scanLimit   uint
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// Compile-time interface check.
var _ ledger.Client = (*Client)(nil)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxRetries sets maximum retry attempts for reads. Submissions are never retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithBaseFee sets the per-operation fee in stroops.
func WithBaseFee(fee int64) ClientOption {
	return func(c *Client) {
		c.baseFee = fee
	}
}

// WithTxTimeout sets how many seconds a signed transaction remains valid.
func WithTxTimeout(seconds int64) ClientOption {
	return func(c *Client) {
		c.txTimeout = seconds
	}
}

// WithMemo sets the text memo attached to payments. Empty disables the memo.
func WithMemo(memo string) ClientOption {
	return func(c *Client) {
		c.memo = memo
	}
}

// WithScanLimit sets how many recent payments FindPayment inspects.
func WithScanLimit(n uint) ClientOption {
	return func(c *Client) {
		c.scanLimit = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Horizon client that signs with the custodial seed.
func NewClient(horizonURL, passphrase, seed string, opts ...ClientOption) (*Client, error) {
	if horizonURL == "" {
		return nil, errors.New("horizon url required")
	}
	if passphrase == "" {
		return nil, errors.New("network passphrase required")
	}
	signer, err := keypair.ParseFull(seed)
	if err != nil {
		return nil, fmt.Errorf("parse custodial seed: %w", err)
	}

	c := &Client{
		horizonURL:  strings.TrimRight(horizonURL, "/") + "/",
		passphrase:  passphrase,
		signer:      signer,
		client:      &http.Client{Timeout: DefaultTimeout},
		logger:      zap.NewNop(),
		baseFee:     DefaultBaseFee,
		txTimeout:   DefaultTxTimeout,
		memo:        DefaultMemo,
		scanLimit:   DefaultScanLimit,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SourceAddress returns the custodial account address.
func (c *Client) SourceAddress() string {
	return c.signer.Address()
}

// LoadAccount returns the account and its native balance.
func (c *Client) LoadAccount(ctx context.Context, address string) (*ledger.Account, error) {
	start := time.Now()
	defer func() {
		observability.RecordLedgerLatency("load_account", time.Since(start).Seconds())
	}()

	var acct hProtocol.Account
	err := c.withRetry(ctx, "load_account", func() error {
		var err error
		acct, err = c.horizon(ctx).AccountDetail(horizonclient.AccountRequest{AccountID: address})
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	balance, err := nativeBalance(acct)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	return &ledger.Account{
		Address:       acct.AccountID,
		NativeBalance: balance,
		Sequence:      acct.Sequence,
	}, nil
}

// SubmitPayment builds, signs and submits a native payment from the custodial account.
func (c *Client) SubmitPayment(ctx context.Context, p ledger.Payment) (*ledger.SubmitResult, error) {
	start := time.Now()
	defer func() {
		observability.RecordLedgerLatency("submit_payment", time.Since(start).Seconds())
	}()

	h := c.horizon(ctx)

	var source hProtocol.Account
	err := c.withRetry(ctx, "load_source", func() error {
		var err error
		source, err = h.AccountDetail(horizonclient.AccountRequest{AccountID: c.signer.Address()})
		return classify(err)
	})
	if errors.Is(err, ledger.ErrAccountNotFound) {
		// The custodial account is missing: a faucet misconfiguration, not the recipient's.
		err = &ledger.RejectedError{TransactionCode: "tx_no_source_account"}
	}
	if err != nil {
		return nil, fmt.Errorf("load source account: %w", err)
	}

	params := txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: p.Destination,
				Amount:      p.Amount.StringFixed(7),
				Asset:       txnbuild.NativeAsset{},
			},
		},
		BaseFee:       c.baseFee,
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(c.txTimeout)},
	}
	if c.memo != "" {
		params.Memo = txnbuild.MemoText(c.memo)
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	tx, err = tx.Sign(c.passphrase, c.signer)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	resp, err := h.SubmitTransactionWithOptions(tx, horizonclient.SubmitTxOpts{SkipMemoRequiredCheck: true})
	if err != nil {
		return nil, fmt.Errorf("submit transaction: %w", classify(err))
	}

	link := resp.Links.Transaction.Href
	if link == "" {
		link = c.transactionLink(resp.Hash)
	}

	c.logger.Info("payment submitted",
		zap.String("destination", p.Destination),
		zap.String("hash", resp.Hash),
		zap.Int32("ledger", resp.Ledger),
		zap.Bool("successful", resp.Successful),
	)

	return &ledger.SubmitResult{
		Hash:       resp.Hash,
		Link:       link,
		Successful: resp.Successful,
		Ledger:     resp.Ledger,
	}, nil
}

// FindPayment scans recent payments received by q.Destination for one sent by the
// custodial account with the same amount, closed at or after q.Since.
func (c *Client) FindPayment(ctx context.Context, q ledger.PaymentQuery) (*ledger.PaymentRecord, error) {
	start := time.Now()
	defer func() {
		observability.RecordLedgerLatency("find_payment", time.Since(start).Seconds())
	}()

	want, err := amount.ParseInt64(q.Amount.StringFixed(7))
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	var page operations.OperationsPage
	err = c.withRetry(ctx, "find_payment", func() error {
		var err error
		page, err = c.horizon(ctx).Payments(horizonclient.OperationRequest{
			ForAccount: q.Destination,
			Order:      horizonclient.OrderDesc,
			Limit:      c.scanLimit,
		})
		return classify(err)
	})
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	for _, rec := range page.Embedded.Records {
		p, ok := asPayment(rec)
		if !ok {
			continue
		}
		// Records are newest first.
		if p.LedgerCloseTime.Before(q.Since) {
			break
		}
		if !p.TransactionSuccessful || p.From != c.signer.Address() || p.To != q.Destination || p.Asset.Type != "native" {
			continue
		}
		got, err := amount.ParseInt64(p.Amount)
		if err != nil || got != want {
			continue
		}

		link := p.Links.Transaction.Href
		if link == "" {
			link = c.transactionLink(p.TransactionHash)
		}
		return &ledger.PaymentRecord{
			Hash:     p.TransactionHash,
			Link:     link,
			ClosedAt: p.LedgerCloseTime,
		}, nil
	}
	return nil, nil
}

func (c *Client) transactionLink(hash string) string {
	return c.horizonURL + "transactions/" + hash
}

// horizon returns a horizonclient bound to ctx.
func (c *Client) horizon(ctx context.Context) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: c.horizonURL,
		HTTP:       contextHTTP{ctx: ctx, client: c.client},
	}
}

// withRetry retries fn with exponential backoff while it reports ledger.ErrUnavailable.
func (c *Client) withRetry(ctx context.Context, method string, fn func() error) error {
	delay := c.retryDelay
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ledger.ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		err = fn()
		if err == nil || !errors.Is(err, ledger.ErrUnavailable) {
			return err
		}
		c.logger.Warn("horizon call failed",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

// classify maps horizonclient errors onto ledger errors.
func classify(err error) error {
	if err == nil {
		return nil
	}

	hErr := horizonclient.GetError(err)
	if hErr == nil {
		// Transport failure, timeout or undecodable response.
		return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}

	status := hErr.Problem.Status
	if status == http.StatusNotFound || horizonclient.IsNotFoundError(err) {
		return ledger.ErrAccountNotFound
	}
	if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil && (codes.TransactionCode != "" || len(codes.OperationCodes) > 0) {
		return &ledger.RejectedError{
			TransactionCode: codes.TransactionCode,
			OperationCodes:  codes.OperationCodes,
		}
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s (%d)", ledger.ErrUnavailable, hErr.Problem.Title, status)
	}
	return fmt.Errorf("horizon: %s (%d)", hErr.Problem.Title, status)
}

func nativeBalance(acct hProtocol.Account) (decimal.Decimal, error) {
	for _, b := range acct.Balances {
		if b.Asset.Type == "native" {
			d, err := decimal.NewFromString(b.Balance)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse native balance %q: %w", b.Balance, err)
			}
			return d, nil
		}
	}
	return decimal.Zero, nil
}

func asPayment(op operations.Operation) (operations.Payment, bool) {
	switch p := op.(type) {
	case operations.Payment:
		return p, true
	case *operations.Payment:
		if p != nil {
			return *p, true
		}
	}
	return operations.Payment{}, false
}

// contextHTTP satisfies horizonclient.HTTP and binds every request to ctx.
type contextHTTP struct {
	ctx    context.Context
	client *http.Client
}

func (h contextHTTP) Do(req *http.Request) (*http.Response, error) {
	return h.client.Do(req.WithContext(h.ctx))
}

func (h contextHTTP) Get(rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

func (h contextHTTP) PostForm(rawURL string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.client.Do(req)
}
