package capacity

import (
	"time"

	"go.uber.org/zap"
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Clock      Clock
	Lifecycle  *Lifecycle
	MaxRetries int
	Quota      QuotaSource
	Settlement SettlementGuard
	Logger     *zap.Logger
}

// Engine bundles the components that share one ledger and one store.
type Engine struct {
	Ledger    *Ledger
	Status    *StatusEngine
	Allocator *Allocator
	Store     TxStore
}

// NewEngine builds an engine over store.
func NewEngine(store TxStore, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	lc := DefaultLifecycle()
	if opts.Lifecycle != nil {
		lc = *opts.Lifecycle
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Quota == nil {
		opts.Quota = StaticQuota(DefaultRequestLimit)
	}
	if opts.Settlement == nil {
		opts.Settlement = NoSettlement{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ledger := &Ledger{
		store:      store,
		lifecycle:  lc,
		clock:      opts.Clock,
		locks:      newKeyedLocks(),
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger.Named("ledger"),
	}
	return &Engine{
		Ledger: ledger,
		Status: &StatusEngine{
			ledger:     ledger,
			store:      store,
			settlement: opts.Settlement,
			logger:     opts.Logger.Named("status"),
		},
		Allocator: &Allocator{
			ledger: ledger,
			store:  store,
			quota:  opts.Quota,
			logger: opts.Logger.Named("allocator"),
		},
		Store: store,
	}
}

// DefaultRequestLimit is the active request limit when no quota source is set.
const DefaultRequestLimit = 3

// OnCommit registers fn to run after every commit that appended an event.
// The dispatcher uses it to wake up. Call before serving traffic.
func (e *Engine) OnCommit(fn func()) { e.Ledger.onCommit = fn }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.Ledger.clock.Now() }

// Lifecycle returns the thresholds used for derived transitions.
func (e *Engine) Lifecycle() Lifecycle { return e.Ledger.lifecycle }
