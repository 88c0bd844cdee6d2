package indexer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"nhbmarket/core/events"
	"nhbmarket/core/types"
	"nhbmarket/native/marketplace"
)

var (
	ErrDSNRequired  = errors.New("indexer: DSN must be configured")
	ErrChainBroken  = errors.New("indexer: activity hash chain broken")
	errUnknownEvent = errors.New("indexer: event carries no payload")
)

// Store persists the activity index in SQL. Postgres DSNs select the
// postgres driver; anything else is treated as a sqlite path or DSN.
type Store struct {
	db     *gorm.DB
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

func dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	db, err := gorm.Open(dialector(trimmed), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open: %w", err)
	}
	if err := db.AutoMigrate(&Activity{}, &ActiveListing{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now, logger: slog.Default()}, nil
}

// SetLogger configures the logger used when indexing a committed event fails.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type payloadEvent interface {
	Event() *types.Event
}

var _ events.Emitter = (*Store)(nil)

// Emit implements events.Emitter. It runs synchronously once the ledger
// batch has committed, while the market still holds its operation lock.
// Indexing is best effort: failures are logged and never reach the ledger.
func (s *Store) Emit(evt events.Event) {
	payload, ok := evt.(payloadEvent)
	if !ok {
		return
	}
	if err := s.Record(context.Background(), payload.Event()); err != nil {
		s.logger.Error("indexer: record event failed",
			slog.String("component", "indexer"),
			slog.String("operation", evt.EventType()),
			slog.Any("error", err))
	}
}

// Record appends evt to the activity log and updates the listing mirror.
func (s *Store) Record(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return errUnknownEvent
	}
	attrs := evt.Attributes
	// encoding/json writes map keys in sorted order.
	payload, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	row := Activity{
		ID:            uuid.New(),
		Type:          evt.Type,
		Marketplace:   attrs["marketplace"],
		Listing:       attrs["listing"],
		Maker:         attrs["maker"],
		Taker:         attrs["taker"],
		Mint:          attrs["mint"],
		Price:         parseUint(attrs["price"]),
		Fee:           parseUint(attrs["fee"]),
		MakerProceeds: parseUint(attrs["makerProceeds"]),
		Reward:        parseUint(attrs["reward"]),
		Payload:       string(payload),
		CreatedAt:     s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Activity
		prev := ""
		err := tx.Order("seq desc").Limit(1).Take(&last).Error
		switch {
		case err == nil:
			row.Seq = last.Seq + 1
			prev = last.Digest
		case errors.Is(err, gorm.ErrRecordNotFound):
			row.Seq = 1
		default:
			return err
		}
		row.Digest = chainDigest(prev, row.Seq, row.Type, row.Payload)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		switch evt.Type {
		case marketplace.EventTypeListingCreated:
			return tx.Save(&ActiveListing{
				Listing:     row.Listing,
				Marketplace: row.Marketplace,
				Maker:       row.Maker,
				Mint:        row.Mint,
				Price:       row.Price,
				ListedAt:    row.CreatedAt,
			}).Error
		case marketplace.EventTypeListingDelisted, marketplace.EventTypeListingPurchased:
			return tx.Delete(&ActiveListing{Listing: row.Listing}).Error
		}
		return nil
	})
}

// chainDigest hashes the previous digest, the sequence number, the event type
// and the canonical attribute payload.
func chainDigest(prev string, seq uint64, eventType, payload string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Recent returns up to limit activity rows, newest first. An empty
// marketplace selects every marketplace.
func (s *Store) Recent(ctx context.Context, marketplace string, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("seq desc").Limit(limit)
	if marketplace != "" {
		q = q.Where("marketplace = ?", marketplace)
	}
	var rows []Activity
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveListings returns the mirrored open listings of a marketplace.
func (s *Store) ActiveListings(ctx context.Context, marketplace string) ([]ActiveListing, error) {
	var rows []ActiveListing
	err := s.db.WithContext(ctx).
		Where("marketplace = ?", marketplace).
		Order("listed_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// VerifyChain recomputes every digest in sequence order.
func (s *Store) VerifyChain(ctx context.Context) error {
	var rows []Activity
	if err := s.db.WithContext(ctx).Order("seq asc").Find(&rows).Error; err != nil {
		return err
	}
	prev := ""
	for i := range rows {
		row := &rows[i]
		if want := chainDigest(prev, row.Seq, row.Type, row.Payload); want != row.Digest {
			return fmt.Errorf("%w at seq %d", ErrChainBroken, row.Seq)
		}
		prev = row.Digest
	}
	return nil
}

func parseUint(raw string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
