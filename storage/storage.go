package storage

import (
	"errors"
	"fmt"

	"github.com/aleybovich/rabbitwire/config"
)

// Common errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTxNotStarted  = errors.New("transaction not started")
	ErrTxAlreadyOpen = errors.New("transaction already open")
)

const (
	KeyPrefixVHost    = "vhost:"
	KeyPrefixExchange = "exchange:"
	KeyPrefixQueue    = "queue:"
	KeyPrefixBinding  = "binding:"
	KeyPrefixMessage  = "message:"
	KeyPrefixMsgIndex = "msgidx:" // Message index by queue
	KeyPrefixOutbox   = "outbox:" // Unresolved publisher-confirm publishes
	KeySeqCounter     = "system:msgseqno" // Global message sequence counter
)

// NewStorageProvider builds and initializes the StorageProvider named by
// cfg.Type, following the same BuntDB-or-BoltDB choice a channel's confirm
// outbox is configured with.
func NewStorageProvider(cfg config.StorageConfig) (StorageProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var provider StorageProvider
	switch cfg.Type {
	case config.StorageTypeNone:
		return nil, nil
	case config.StorageTypeMemory:
		provider = NewBuntDBProvider(":memory:")
	case config.StorageTypeBuntDB:
		path := ":memory:"
		if cfg.BuntDB.Path != "" {
			path = cfg.BuntDB.Path
		}
		provider = NewBuntDBProvider(path)
	case config.StorageTypeBoltDB:
		provider = NewBoltProvider(cfg.BoltDB.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing %s storage: %w", cfg.Type, err)
	}
	return provider, nil
}

// StorageProvider is the low-level storage abstraction
// This is what different backends (BuntDB, BoltDB, Redis, etc.) implement
type StorageProvider interface {
	// Initialize prepares the storage backend
	Initialize() error

	// Close cleanly shuts down the storage backend
	Close() error

	// Basic operations
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	// Batch operations
	SetBatch(items map[string][]byte) error
	GetBatch(keys []string) (map[string][]byte, error)
	DeleteBatch(keys []string) error

	// Scanning/iteration
	Keys(prefix string) ([]string, error)
	Scan(prefix string, fn func(key string, value []byte) error) error

	// Transaction support
	BeginTx() (StorageTransaction, error)
}

// StorageTransaction represents a storage transaction
type StorageTransaction interface {
	// Basic operations within transaction
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	// Batch operations within transaction
	SetBatch(items map[string][]byte) error
	DeleteBatch(keys []string) error

	// Transaction control
	Commit() error
	Rollback() error
}
