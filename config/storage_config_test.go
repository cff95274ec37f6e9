package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageConfig_Validate_NoneAndMemoryNeedNoSubConfig(t *testing.T) {
	assert.NoError(t, StorageConfig{Type: StorageTypeNone}.Validate())
	assert.NoError(t, StorageConfig{Type: StorageTypeMemory}.Validate())
}

func TestStorageConfig_Validate_BuntDBRequiresConfig(t *testing.T) {
	assert.Error(t, StorageConfig{Type: StorageTypeBuntDB}.Validate())
	assert.NoError(t, StorageConfig{Type: StorageTypeBuntDB, BuntDB: &BuntDBConfig{}}.Validate())
}

func TestStorageConfig_Validate_BoltDBRequiresPath(t *testing.T) {
	assert.Error(t, StorageConfig{Type: StorageTypeBoltDB}.Validate())
	assert.Error(t, StorageConfig{Type: StorageTypeBoltDB, BoltDB: &BoltDBConfig{}}.Validate())
	assert.NoError(t, StorageConfig{Type: StorageTypeBoltDB, BoltDB: &BoltDBConfig{Path: "/tmp/outbox.db"}}.Validate())
}

func TestStorageConfig_Validate_RejectsUnknownType(t *testing.T) {
	assert.Error(t, StorageConfig{Type: "redis"}.Validate())
	assert.Error(t, StorageConfig{}.Validate())
}
