// Package sqlstore implements storage.Backend on an embedded SQLite
// database via GORM. SQLite is single-writer; a small pool is enough.
package sqlstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/themadorg/tossmail/internal/storage"
)

// Store is the SQLite-backed message store.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at dsn and migrates the schema.
func Open(dsn string, debug bool) (*Store, error) {
	gormCfg := &gorm.Config{}
	if !debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)

	if err := db.AutoMigrate(
		&storage.Message{},
		&storage.Mailbox{},
		&storage.Webhook{},
		&storage.RateLimit{},
		&storage.RateLimitRequest{},
		&storage.User{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) StoreMessage(m *storage.Message) error {
	m.Timestamp = m.Timestamp.UTC()
	if err := s.db.Create(m).Error; err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *Store) ListByAddress(address string) ([]*storage.Message, error) {
	var msgs []*storage.Message
	err := s.db.Where("to_address = ?", address).
		Order("timestamp DESC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) GetMessage(id string) (*storage.Message, error) {
	var m storage.Message
	err := s.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

func (s *Store) DeleteMessage(id string) (bool, error) {
	res := s.db.Delete(&storage.Message{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("delete message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) DeleteOlderThan(hours int) ([]storage.Deleted, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var rows []storage.Message
	err := s.db.Select("id", "to_address").
		Where("timestamp < ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("collect aged messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	deleted := make([]storage.Deleted, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
		deleted = append(deleted, storage.Deleted{ID: r.ID, Address: r.ToAddress})
	}

	if err := s.db.Delete(&storage.Message{}, "id IN ?", ids).Error; err != nil {
		return nil, fmt.Errorf("delete aged messages: %w", err)
	}
	return deleted, nil
}

func (s *Store) SearchMessages(address, query string, limit int) ([]*storage.Message, error) {
	pattern := "%" + escapeLike(query) + "%"
	q := s.db.Where(
		"(subject LIKE ? ESCAPE '\\' OR body LIKE ? ESCAPE '\\' OR from_address LIKE ? ESCAPE '\\')",
		pattern, pattern, pattern,
	)
	if address != "" {
		q = q.Where("to_address = ?", address)
	}
	var msgs []*storage.Message
	if err := q.Order("timestamp DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return msgs, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) CreateWebhook(w *storage.Webhook) error {
	if err := s.db.Create(w).Error; err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

func (s *Store) ListWebhooks(address string) ([]*storage.Webhook, error) {
	var hooks []*storage.Webhook
	err := s.db.Where("mailbox_address = ?", address).
		Order("created_at").
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}

func (s *Store) GetWebhook(id string) (*storage.Webhook, error) {
	var w storage.Webhook
	err := s.db.First(&w, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &w, nil
}

func (s *Store) UpdateWebhook(w *storage.Webhook) error {
	// Save with Select forces enabled=false through; Save alone skips
	// zero values for non-pointer fields.
	err := s.db.Model(&storage.Webhook{}).
		Where("id = ?", w.ID).
		Select("url", "events", "enabled").
		Updates(w).Error
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return nil
}

func (s *Store) DeleteWebhook(id string) (bool, error) {
	res := s.db.Delete(&storage.Webhook{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("delete webhook: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ActiveWebhooks(address, event string) ([]*storage.Webhook, error) {
	var hooks []*storage.Webhook
	err := s.db.Where("mailbox_address = ? AND enabled = ?", address, true).
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("active webhooks: %w", err)
	}
	// Event sets are JSON blobs; filter after the fetch.
	active := hooks[:0]
	for _, w := range hooks {
		if w.Events.Contains(event) {
			active = append(active, w)
		}
	}
	return active, nil
}

func (s *Store) GetMailbox(address string) (*storage.Mailbox, error) {
	var m storage.Mailbox
	err := s.db.First(&m, "address = ?", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return &m, nil
}

func (s *Store) SetMailboxPassword(address, password string) error {
	hash, err := storage.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	existing, err := s.GetMailbox(address)
	if err != nil {
		return err
	}
	if existing == nil {
		m := &storage.Mailbox{
			Address:      address,
			PasswordHash: &hash,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.db.Create(m).Error; err != nil {
			return fmt.Errorf("create mailbox: %w", err)
		}
		return nil
	}

	err = s.db.Model(&storage.Mailbox{}).
		Where("address = ?", address).
		Update("password_hash", hash).Error
	if err != nil {
		return fmt.Errorf("set mailbox password: %w", err)
	}
	return nil
}

func (s *Store) ClearMailboxPassword(address string) error {
	err := s.db.Model(&storage.Mailbox{}).
		Where("address = ?", address).
		Update("password_hash", nil).Error
	if err != nil {
		return fmt.Errorf("clear mailbox password: %w", err)
	}
	return nil
}

func (s *Store) VerifyMailboxPassword(address, password string) (bool, error) {
	m, err := s.GetMailbox(address)
	if err != nil {
		return false, err
	}
	if !m.IsLocked() {
		return false, nil
	}
	return storage.CheckPassword(*m.PasswordHash, password), nil
}

func (s *Store) IsMailboxLocked(address string) (bool, error) {
	m, err := s.GetMailbox(address)
	if err != nil {
		return false, err
	}
	return m.IsLocked(), nil
}

func (s *Store) CreateUser(u *storage.User) error {
	if err := s.db.Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(id string) (*storage.User, error) {
	var u storage.User
	err := s.db.First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(email string) (*storage.User, error) {
	var u storage.User
	err := s.db.First(&u, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

func (s *Store) GetRateLimit(address string) (*storage.RateLimit, error) {
	var rl storage.RateLimit
	err := s.db.First(&rl, "mailbox_address = ?", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	return &rl, nil
}

func (s *Store) SetRateLimit(rl *storage.RateLimit) error {
	now := time.Now().UTC()
	existing, err := s.GetRateLimit(rl.MailboxAddress)
	if err != nil {
		return err
	}
	if existing == nil {
		rl.CreatedAt = now
		rl.UpdatedAt = now
		if err := s.db.Create(rl).Error; err != nil {
			return fmt.Errorf("create rate limit: %w", err)
		}
		return nil
	}

	err = s.db.Model(&storage.RateLimit{}).
		Where("mailbox_address = ?", rl.MailboxAddress).
		Updates(map[string]interface{}{
			"requests_per_hour": rl.RequestsPerHour,
			"requests_per_day":  rl.RequestsPerDay,
			"updated_at":        now,
		}).Error
	if err != nil {
		return fmt.Errorf("update rate limit: %w", err)
	}
	return nil
}

func (s *Store) DeleteRateLimit(address string) (bool, error) {
	res := s.db.Delete(&storage.RateLimit{}, "mailbox_address = ?", address)
	if res.Error != nil {
		return false, fmt.Errorf("delete rate limit: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) AppendRequest(address string, at time.Time) error {
	req := &storage.RateLimitRequest{
		MailboxAddress: address,
		Timestamp:      at.UTC(),
	}
	if err := s.db.Create(req).Error; err != nil {
		return fmt.Errorf("append request: %w", err)
	}
	return nil
}

func (s *Store) CountRequestsSince(address string, since time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&storage.RateLimitRequest{}).
		Where("mailbox_address = ? AND timestamp >= ?", address, since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

func (s *Store) OldestRequestSince(address string, since time.Time) (*time.Time, error) {
	var req storage.RateLimitRequest
	err := s.db.Where("mailbox_address = ? AND timestamp >= ?", address, since.UTC()).
		Order("timestamp ASC").
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest request: %w", err)
	}
	t := req.Timestamp
	return &t, nil
}

func (s *Store) PurgeRequestsBefore(before time.Time) (int64, error) {
	res := s.db.Delete(&storage.RateLimitRequest{}, "timestamp < ?", before.UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("purge requests: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ storage.Backend = (*Store)(nil)
