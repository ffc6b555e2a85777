package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/playermarket/internal/config"
)

func TestSnapshotArchiveRoundTrip(t *testing.T) {
	store := NewMemoryStorage()
	archive := NewSnapshotArchive(store, "market-values")
	ctx := context.Background()

	key, err := archive.Save(ctx, "run-1", map[string]int{"cells": 3})
	require.NoError(t, err)
	assert.Equal(t, "market-values/run-1.json", key)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	var got map[string]int
	require.NoError(t, archive.Load(ctx, "run-1", &got))
	assert.Equal(t, 3, got["cells"])

	assert.ErrorIs(t, archive.Load(ctx, "missing", &got), ErrNotFound)
}

func TestNewStorageDisabled(t *testing.T) {
	s, err := NewStorage(&config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestNewStorageMemory(t *testing.T) {
	s, err := NewStorage(&config.StorageConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.IsType(t, &MemoryStorage{}, s)

	archive := NewSnapshotArchive(s, "market-values")
	ctx := context.Background()
	_, err = archive.Save(ctx, "run-2", map[string]int{"cells": 5})
	require.NoError(t, err)

	var got map[string]int
	require.NoError(t, archive.Load(ctx, "run-2", &got))
	assert.Equal(t, 5, got["cells"])
}

func TestDetectStorageType(t *testing.T) {
	assert.Equal(t, StorageTypeR2, detectStorageType("https://acct.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.eu-west-1.amazonaws.com"))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("localhost:9000"))
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "localhost:9000", normalizeEndpoint("http://localhost:9000/bucket/"))
	assert.Equal(t, "", normalizeEndpoint(""))
}
