package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlitegorm "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/tunnel"
)

// Entry is one stored key. Value holds the JSON encoding of the stored value.
type Entry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// TableName sets the table used for entries.
func (Entry) TableName() string {
	return "settings"
}

// DefaultPollInterval is how often SQL.Watch checks for changes.
const DefaultPollInterval = 500 * time.Millisecond

// SQL is a Store backed by an sqlite database through gorm. The database
// file may be shared by several processes.
type SQL struct {
	db           *gorm.DB
	logger       *slog.Logger
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
}

// OpenSQL opens or creates the sqlite database at dbPath.
func OpenSQL(dbPath string) (*SQL, error) {
	if dbPath == "" {
		return nil, errors.New("store path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil { //nolint:gosec // G301: shared between the controller and the runtime
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlitegorm.Open(dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate store database: %w", err)
	}

	return &SQL{
		db:           db,
		logger:       logging.WithComponent("store"),
		pollInterval: DefaultPollInterval,
	}, nil
}

// SetPollInterval changes the Watch polling period. Zero or negative values
// are ignored.
func (s *SQL) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Get implements Store.
func (s *SQL) Get(key string) (any, bool, error) {
	if s.isClosed() {
		return nil, false, tunnel.ErrClosed
	}

	var e Entry
	err := s.db.Where("`key` = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	var v any
	if err := json.Unmarshal([]byte(e.Value), &v); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements Store.
func (s *SQL) Set(key string, value any) error {
	if s.isClosed() {
		return tunnel.ErrClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	e := Entry{Key: key, Value: string(data), UpdatedAt: time.Now()}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (s *SQL) Remove(key string) error {
	if s.isClosed() {
		return tunnel.ErrClosed
	}
	if err := s.db.Where("`key` = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Watch implements Store by polling the table.
func (s *SQL) Watch(ctx context.Context) <-chan string {
	ch := make(chan string, 16)

	prev, err := s.values()
	if err != nil {
		s.logger.Warn("store watch unavailable", "error", err)
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.isClosed() {
					return
				}
				next, err := s.values()
				if err != nil {
					s.logger.Debug("store poll failed", "error", err)
					continue
				}
				for _, key := range changedKeys(prev, next) {
					select {
					case ch <- key:
					case <-ctx.Done():
						return
					}
				}
				prev = next
			}
		}
	}()

	return ch
}

// Close implements Store.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQL) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SQL) values() (map[string]any, error) {
	var entries []Entry
	if err := s.db.Find(&entries).Error; err != nil {
		return nil, err
	}
	values := make(map[string]any, len(entries))
	for _, e := range entries {
		values[e.Key] = e.Value
	}
	return values, nil
}
