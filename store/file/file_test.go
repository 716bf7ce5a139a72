package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/codeshop/ledger"
	"github.com/warp/codeshop/store/file"
)

func TestStore_MissingFileLoadsNil(t *testing.T) {
	s, err := file.New(filepath.Join(t.TempDir(), "nested", "db.json"))
	require.NoError(t, err)

	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStore_RoundTrip(t *testing.T) {
	// GIVEN: A ledger backed by a JSON file with some state
	path := filepath.Join(t.TempDir(), "db.json")
	s, err := file.New(path)
	require.NoError(t, err)
	ctx := context.Background()

	l, err := ledger.Open(ctx, s, ledger.Options{})
	require.NoError(t, err)
	require.NoError(t, l.Update(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.CreatePendingRegistration(11, "dana"); err != nil {
			return err
		}
		_, err := tx.AddCodes(ledger.CategoryPUPG, "325", 5000, []string{"Q1"})
		return err
	}))

	// WHEN: A fresh ledger opens the same file
	again, err := ledger.Open(ctx, s, ledger.Options{})
	require.NoError(t, err)

	// THEN: State survived and no temp files were left behind
	st := again.Snapshot()
	assert.Contains(t, st.PendingRegistrations, ledger.UserID(11))
	assert.Equal(t, []string{"Q1"}, st.Stock[ledger.CategoryPUPG]["325"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_CorruptFileFailsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	s, err := file.New(path)
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	assert.Error(t, err)

	_, err = ledger.Open(context.Background(), s, ledger.Options{})
	assert.ErrorIs(t, err, ledger.ErrPersistence)
}

func TestStore_SaveSyncsDirectory(t *testing.T) {
	// GIVEN: A store that already holds one document
	path := filepath.Join(t.TempDir(), "db.json")
	s, err := file.New(path)
	require.NoError(t, err)
	ctx := context.Background()

	first := ledger.NewState()
	first.SalesTotal = 100
	require.NoError(t, s.Save(ctx, first))

	// WHEN: A second Save replaces it
	second := ledger.NewState()
	second.SalesTotal = 250
	require.NoError(t, s.Save(ctx, second))

	// THEN: The replacement is what loads back and its directory syncs cleanly
	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(250), st.SalesTotal)
	assert.NoError(t, file.SyncDir(filepath.Dir(path)))

	// AND: A directory that cannot be opened reports an error
	assert.Error(t, file.SyncDir(filepath.Join(t.TempDir(), "missing")))
}
