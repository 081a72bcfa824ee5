package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tollgate/internal/types"
)

func TestPipelineRepo_CountActivePipelines(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPipelineRepo(db)
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"t1"}).Return(rowOf(3))

	n, err := repo.CountActivePipelines(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPipelineRepo_CountActivePipelines_Error(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPipelineRepo(db)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: errors.New("relation does not exist")})

	_, err := repo.CountActivePipelines(context.Background(), "t1")
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}
