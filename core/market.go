package core

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nhbmarket/core/events"
	nhbstate "nhbmarket/core/state"
	"nhbmarket/crypto"
	nativecommon "nhbmarket/native/common"
	"nhbmarket/native/marketplace"
	"nhbmarket/observability"
	telemetry "nhbmarket/observability/otel"
	"nhbmarket/storage"
)

// Market is the central controller for marketplace operations. Operations
// run one at a time against a single ledger overlay; each either commits as
// one storage batch or is discarded entirely. Events reach the configured
// emitter only after a successful commit.
type Market struct {
	mu      sync.Mutex
	state   *nhbstate.Manager
	engine  *marketplace.Engine
	pending *events.Recorder
	emitter events.Emitter
	metrics *observability.MarketplaceMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewMarket(db storage.Database) (*Market, error) {
	state := nhbstate.NewManager(db)
	if err := state.EnsureStateVersion(); err != nil {
		return nil, err
	}
	pending := &events.Recorder{}
	engine := marketplace.NewEngine()
	engine.SetState(state)
	engine.SetEmitter(pending)
	return &Market{
		state:   state,
		engine:  engine,
		pending: pending,
		emitter: events.NoopEmitter{},
		tracer:  telemetry.Tracer("nhbmarket/core"),
		logger:  slog.Default(),
	}, nil
}

// SetEmitter configures where committed events are delivered.
func (m *Market) SetEmitter(emitter events.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

func (m *Market) SetPauses(p nativecommon.PauseView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.SetPauses(p)
}

func (m *Market) SetMetrics(metrics *observability.MarketplaceMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

func (m *Market) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	m.logger = logger
}

func (m *Market) SetRentDeposit(amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.SetRentDeposit(amount)
}

// Caller identifies the signer of a request and the account nonce it
// committed to.
type Caller struct {
	Address [20]byte
	Nonce   uint64
}

// execute runs fn under the operation lock. When caller is set its nonce is
// consumed first; a rejected operation still burns the nonce so the signed
// request cannot be replayed later.
func (m *Market) execute(ctx context.Context, operation string, caller *Caller, attrs []attribute.KeyValue, fn func() error) error {
	ctx, span := m.tracer.Start(ctx, "marketplace."+operation, trace.WithAttributes(attrs...))
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending.Reset()
	err := m.run(caller, fn)
	code := ""
	if err != nil {
		m.pending.Reset()
		code = marketplace.Code(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		m.logger.WarnContext(ctx, "marketplace operation rejected",
			slog.String("operation", operation),
			slog.String("status", code),
			slog.Any("error", err))
	} else {
		for _, evt := range m.pending.Events() {
			m.emitter.Emit(evt)
		}
		m.pending.Reset()
		m.logger.InfoContext(ctx, "marketplace operation committed", slog.String("operation", operation))
	}
	m.metrics.Observe(operation, code, time.Since(start))
	return err
}

func (m *Market) run(caller *Caller, fn func() error) error {
	if caller != nil {
		if err := m.state.ConsumeNonce(caller.Address, caller.Nonce); err != nil {
			m.state.Discard()
			return err
		}
	}
	snap := m.state.Snapshot()
	opErr := fn()
	if opErr != nil {
		m.state.RevertToSnapshot(snap)
	}
	if err := m.state.Commit(); err != nil {
		m.state.Discard()
		return err
	}
	return opErr
}

func addrAttr(key string, addr [20]byte) attribute.KeyValue {
	return attribute.String(key, crypto.MustNewAddress(addr).String())
}

// Initialize creates a marketplace registry and its reward mint.
func (m *Market) Initialize(ctx context.Context, admin Caller, name string, fee uint16) (*marketplace.Marketplace, [20]byte, error) {
	var (
		market   *marketplace.Marketplace
		registry [20]byte
	)
	attrs := []attribute.KeyValue{addrAttr("admin", admin.Address), attribute.String("name", name), attribute.Int("fee", int(fee))}
	err := m.execute(ctx, "initialize", &admin, attrs, func() error {
		var err error
		market, registry, err = m.engine.Initialize(admin.Address, name, fee)
		return err
	})
	return market, registry, err
}

// List escrows mint under a new listing.
func (m *Market) List(ctx context.Context, maker Caller, registry, mint, collection [20]byte, price uint64) (*marketplace.Listing, error) {
	var listing *marketplace.Listing
	attrs := []attribute.KeyValue{addrAttr("maker", maker.Address), addrAttr("mint", mint), attribute.Int64("price", int64(price))}
	err := m.execute(ctx, "list", &maker, attrs, func() error {
		var err error
		listing, err = m.engine.List(maker.Address, registry, mint, collection, price)
		return err
	})
	return listing, err
}

// Delist returns the escrowed asset to its maker.
func (m *Market) Delist(ctx context.Context, caller Caller, registry, mint [20]byte) error {
	attrs := []attribute.KeyValue{addrAttr("caller", caller.Address), addrAttr("mint", mint)}
	return m.execute(ctx, "delist", &caller, attrs, func() error {
		return m.engine.Delist(caller.Address, registry, mint)
	})
}

// Purchase settles the listing for mint.
func (m *Market) Purchase(ctx context.Context, taker Caller, registry, mint [20]byte) (*marketplace.Receipt, error) {
	var receipt *marketplace.Receipt
	attrs := []attribute.KeyValue{addrAttr("taker", taker.Address), addrAttr("mint", mint)}
	err := m.execute(ctx, "purchase", &taker, attrs, func() error {
		var err error
		receipt, err = m.engine.Purchase(taker.Address, registry, mint)
		return err
	})
	return receipt, err
}

// Mutate runs fn directly against the ledger under the operation lock and
// commits its writes. It serves genesis seeding and operator tooling.
func (m *Market) Mutate(ctx context.Context, operation string, fn func(*nhbstate.Manager) error) error {
	return m.execute(ctx, operation, nil, nil, func() error {
		return fn(m.state)
	})
}

func (m *Market) MarketplaceByName(name string) (*marketplace.Marketplace, [20]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.MarketplaceByName(name)
}

func (m *Market) Marketplace(registry [20]byte) (*marketplace.Marketplace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Marketplace(registry)
}

func (m *Market) Listing(registry, mint [20]byte) (*marketplace.Listing, [20]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Listing(registry, mint)
}

func (m *Market) Quote(registry, mint [20]byte) (marketplace.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Quote(registry, mint)
}

func (m *Market) Balance(addr [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Balance(addr)
}

// Nonce returns the next nonce addr must sign with.
func (m *Market) Nonce(addr [20]byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Nonce(addr)
}

func (m *Market) TokenBalance(owner, mint [20]byte) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.TokenBalance(owner, mint)
}
