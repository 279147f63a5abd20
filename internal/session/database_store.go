package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Value is one persisted session entry.
type Value struct {
	Key       string    `gorm:"column:session_key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:session_value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Value) TableName() string {
	return "session_values"
}

// DatabaseStoreConfig configures a SQLite-backed Store.
type DatabaseStoreConfig struct {
	Database *gorm.DB
	Key      string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// DatabaseStore keeps the credential in the session_values table. Other
// processes sharing the database file are only observed by polling Token.
type DatabaseStore struct {
	db     *gorm.DB
	key    string
	clock  func() time.Time
	logger *zap.Logger
	signal *changeSignal
}

// NewDatabaseStore constructs a DatabaseStore.
func NewDatabaseStore(cfg DatabaseStoreConfig) (*DatabaseStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opOpen, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseStore{
		db:     cfg.Database,
		key:    normalizeKey(cfg.Key),
		clock:  clock,
		logger: logger,
		signal: newChangeSignal(),
	}, nil
}

func (s *DatabaseStore) Token(ctx context.Context) (string, error) {
	var stored Value
	err := s.db.WithContext(ctx).Where("session_key = ?", s.key).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", newStoreError(opToken, "query_failed", err)
	}
	return strings.TrimSpace(stored.Value), nil
}

func (s *DatabaseStore) SetToken(ctx context.Context, token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return s.Clear(ctx)
	}
	record := Value{Key: s.key, Value: trimmed, UpdatedAt: s.clock().UTC()}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return newStoreError(opSetToken, "save_failed", err)
	}
	s.logger.Debug("session credential stored", zap.String("key", s.key))
	s.signal.notify()
	return nil
}

func (s *DatabaseStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("session_key = ?", s.key).Delete(&Value{}).Error; err != nil {
		return newStoreError(opClear, "delete_failed", err)
	}
	s.logger.Debug("session credential cleared", zap.String("key", s.key))
	s.signal.notify()
	return nil
}

func (s *DatabaseStore) Changes() <-chan struct{} {
	return s.signal.Changes()
}

// Close is a no-op; the database handle belongs to the caller.
func (s *DatabaseStore) Close() error {
	return nil
}
