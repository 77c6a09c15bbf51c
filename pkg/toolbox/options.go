package toolbox

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Consensys/defi-fuzzing-toolbox/internal/account"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/metrics"
	"github.com/Consensys/defi-fuzzing-toolbox/internal/storage"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// AccountLister returns the ordered list of accounts a node offers.
type AccountLister interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

// Option configures a Toolbox.
type Option func(*settings)

type settings struct {
	logger         *slog.Logger
	metrics        metrics.Metricer
	journal        storage.Journal
	accounts       AccountLister
	keys           []*ecdsa.PrivateKey
	devKeys        bool
	remote         account.RemoteSigner
	artifactsDir   string
	pollInterval   time.Duration
	receiptTimeout time.Duration
	dialTimeout    time.Duration
	readyTimeout   time.Duration
	maxRetries     int
	hooks          []func(types.Event)
}

// DefaultArtifactsDir is used when WithArtifactsDir is not given.
const DefaultArtifactsDir = "artifacts"

func newSettings(opts []Option) *settings {
	s := &settings{
		artifactsDir: DefaultArtifactsDir,
		maxRetries:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.NoopMetrics{}
	}
	return s
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metricer) Option {
	return func(s *settings) { s.metrics = m }
}

// WithJournal records every deployment and pool in j.
func WithJournal(j storage.Journal) Option {
	return func(s *settings) { s.journal = j }
}

// WithAccounts replaces the node's account list. Keys added with WithKeys are
// appended after it.
func WithAccounts(l AccountLister) Option {
	return func(s *settings) { s.accounts = l }
}

// WithKeys adds local signing keys. Their addresses are listed as accounts.
func WithKeys(keys ...*ecdsa.PrivateKey) Option {
	return func(s *settings) { s.keys = append(s.keys, keys...) }
}

// WithDevKeys makes the anvil/hardhat and ganache --deterministic dev accounts signable locally.
func WithDevKeys() Option {
	return func(s *settings) { s.devKeys = true }
}

// WithRemoteSigner signs for accounts without a local key through r.
func WithRemoteSigner(r account.RemoteSigner) Option {
	return func(s *settings) { s.remote = r }
}

// WithArtifactsDir sets the directory holding compiled contracts.
func WithArtifactsDir(dir string) Option {
	return func(s *settings) { s.artifactsDir = dir }
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.pollInterval = d }
}

// WithReceiptTimeout bounds the wait for a receipt.
func WithReceiptTimeout(d time.Duration) Option {
	return func(s *settings) { s.receiptTimeout = d }
}

// WithDialTimeout sets the per-request timeout used by Dial.
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) { s.dialTimeout = d }
}

// WithReadyTimeout bounds how long Dial waits for the node to come up.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *settings) { s.readyTimeout = d }
}

// WithMaxRetries sets how often Dial retries transient node failures.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithEventHook calls fn for every deployment, pool creation and failed deployment.
// fn runs synchronously on the deploying goroutine.
func WithEventHook(fn func(types.Event)) Option {
	return func(s *settings) { s.hooks = append(s.hooks, fn) }
}

// CallOption tunes a single toolbox call.
type CallOption func(*callOptions)

type callOptions struct {
	from         Addressable
	signer       Addressable
	tokens       []Addressable
	tokensSet    bool
	feeRecipient Addressable
	value        *big.Int
	gasLimit     uint64
}

func applyCallOptions(opts []CallOption) *callOptions {
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// From selects the sender. The default is the first account.
func From(sender Addressable) CallOption {
	return func(o *callOptions) { o.from = sender }
}

// WithSigner sets the exchange's quote signer. The default is the first account.
func WithSigner(signer Addressable) CallOption {
	return func(o *callOptions) { o.signer = signer }
}

// WithTokens sets the exchange's token list, used verbatim. The default is
// the wrapped token and both stablecoins.
func WithTokens(tokens ...Addressable) CallOption {
	return func(o *callOptions) {
		o.tokens = tokens
		o.tokensSet = true
	}
}

// WithFeeRecipient sets the factory's feeToSetter. The default is the first account.
func WithFeeRecipient(recipient Addressable) CallOption {
	return func(o *callOptions) { o.feeRecipient = recipient }
}

// WithValue attaches wei to a Transact call.
func WithValue(v *big.Int) CallOption {
	return func(o *callOptions) { o.value = v }
}

// WithGasLimit skips gas estimation for a Transact call.
func WithGasLimit(gas uint64) CallOption {
	return func(o *callOptions) { o.gasLimit = gas }
}
