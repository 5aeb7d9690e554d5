package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Preference is one persisted key.
type Preference struct {
	Namespace string    `gorm:"primaryKey;size:64"`
	Key       string    `gorm:"primaryKey;column:pref_key;size:64"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName customizes the table name
func (Preference) TableName() string {
	return "preferences"
}

// GormStore persists keys in a SQLite file through GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the SQLite file at path and migrates the schema.
func OpenSQLite(path string) (*GormStore, error) {
	if path == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing connection and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Preference{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Get(namespace, key string) ([]byte, error) {
	var p Preference
	err := g.db.Where("namespace = ? AND pref_key = ?", namespace, key).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get %s/%s: %w", namespace, key, err)
	}
	return p.Value, nil
}

// Put writes the whole value in a single statement, so a failed write leaves the old
// value readable.
func (g *GormStore) Put(namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	p := Preference{Namespace: namespace, Key: key, Value: value}
	err := g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "pref_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&p).Error
	if err != nil {
		return fmt.Errorf("store put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (g *GormStore) Remove(namespace, key string) error {
	err := g.db.Where("namespace = ? AND pref_key = ?", namespace, key).Delete(&Preference{}).Error
	if err != nil {
		return fmt.Errorf("store remove %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Open selects a Store implementation by driver name.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(path)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
