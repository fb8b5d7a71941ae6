package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, status := range []string{StatusCompleted, StatusFailed, StatusTimeout} {
		e := &Execution{
			Code:        "print(1)",
			Status:      status,
			ExitCode:    i,
			OutputBytes: int64(10 * i),
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			DurationMs:  int64(100 * i),
		}
		require.NoError(t, s.Record(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	list, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, StatusTimeout, list[0].Status)
	assert.Equal(t, 2, list[0].ExitCode)
	assert.Equal(t, int64(200), list[0].DurationMs)
	assert.True(t, list[0].StartedAt.Equal(base.Add(2*time.Second)))
	assert.Equal(t, StatusCompleted, list[2].Status)

	list, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListEmpty(t *testing.T) {
	s := newTestStore(t)
	list, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), &Execution{Code: "1", Status: StatusCompleted}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
