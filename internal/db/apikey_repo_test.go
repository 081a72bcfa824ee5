package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tollgate/internal/types"
)

func TestAPIKeyRepo_ListActiveByPrefix(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepo(db)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	rows := newMockRows([][]any{
		{"key_1", "t1", "tg_live_abcd", "$2a$10$hash1", "ci", nil, nil, nil, created},
		{"key_2", "t2", "tg_live_abcd", "$2a$10$hash2", "deploy", created, nil, nil, created},
	})
	db.On("Query", mock.Anything, mock.Anything, []any{"tg_live_abcd"}).Return(rows, nil)

	keys, err := repo.ListActiveByPrefix(context.Background(), "tg_live_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "t1", keys[0].TenantID)
	assert.Nil(t, keys[0].LastUsedAt)
	require.NotNil(t, keys[1].LastUsedAt)
	assert.Equal(t, created, *keys[1].LastUsedAt)
}

func TestAPIKeyRepo_ListActiveByPrefix_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepo(db)
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	_, err := repo.ListActiveByPrefix(context.Background(), "tg_live_abcd")
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

func TestAPIKeyRepo_Create(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepo(db)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(rowOf("key_9", "t1", "tg_live_wxyz", "$2a$10$h", "ops", nil, nil, nil, created))

	k, err := repo.Create(context.Background(), "t1", "ops", "tg_live_wxyz", "$2a$10$h", nil)
	require.NoError(t, err)
	assert.Equal(t, "key_9", k.ID)
	assert.True(t, k.Usable(created))
}
