package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Note: mockDBTX, mockRow, and mockRows are defined in schedule_repo_test.go.

func TestCohortRepository_Page_Success(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewCohortRepository(dbMock)
	ctx := context.Background()

	ids := []string{"user_1", "user_2", "user_3"}
	scanFns := make([]func(dest ...any) error, len(ids))
	for i, id := range ids {
		id := id
		scanFns[i] = func(dest ...any) error {
			*dest[0].(*string) = id
			return nil
		}
	}
	rows := &mockRows{scanFns: scanFns}
	dbMock.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	got, err := repo.Page(ctx, CohortFilter{}, "", 200)
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

// TestCohortRepository_Page_FilterBinding verifies that zero-valued filter
// bounds bind as NULL and set bounds bind as UTC timestamps.
func TestCohortRepository_Page_FilterBinding(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewCohortRepository(dbMock)
	ctx := context.Background()

	registered := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	var captured []any
	dbMock.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(2).([]any)
		}).
		Return(&mockRows{}, nil)

	_, err := repo.Page(ctx, CohortFilter{RegisteredSince: registered}, "user_50", 100)
	require.NoError(t, err)
	require.Len(t, captured, 4)
	assert.Equal(t, "user_50", captured[0])
	require.NotNil(t, captured[1])
	assert.Equal(t, registered, *captured[1].(*time.Time))
	assert.Nil(t, captured[2].(*time.Time))
	assert.Equal(t, 100, captured[3])
}

func TestCohortRepository_Count_Success(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewCohortRepository(dbMock)
	ctx := context.Background()

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*int) = 1234
			return nil
		},
	}
	dbMock.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	n, err := repo.Count(ctx, CohortFilter{ActiveSince: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1234, n)
}

func TestNullableTime(t *testing.T) {
	assert.Nil(t, nullableTime(time.Time{}))

	loc := time.FixedZone("UTC+2", 2*3600)
	in := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)
	out := nullableTime(in)
	require.NotNil(t, out)
	assert.Equal(t, time.UTC, out.Location())
	assert.True(t, out.Equal(in))
}
