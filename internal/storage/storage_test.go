package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "advisorbot/pkg/logx"
)

func TestDriversAppendAndReadBack(t *testing.T) {
	t.Parallel()
	drivers := []string{"file", "sqlite"}
	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "ledger", "audit."+driver)}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			ctx := context.Background()
			base := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
			kinds := []string{"dispatch.sent", "confirmation.replied", "confirmation.confirmed"}
			for i, k := range kinds {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					At: base.Add(time.Duration(i) * time.Minute), Kind: k,
					Round: "ABC/first", Recipient: "Alpha", ChatID: -1001,
				}))
			}

			got, err := st.RecentAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "confirmation.confirmed", got[0].Kind)
			assert.Equal(t, "confirmation.replied", got[1].Kind)
			assert.Equal(t, int64(-1001), got[0].ChatID)
			assert.NotEmpty(t, got[0].ID)
			assert.True(t, got[0].At.Equal(base.Add(2*time.Minute)))
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Logger{})
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Logger{})
	assert.Error(t, err)
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.jsonl")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendAudit(context.Background(), AuditEntry{Kind: "x"}), ErrClosed)
}
