package accounts

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func writeAccountFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestFileStore_LoadAccounts(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "alice.json", `{"email":"alice@example.com","refresh_token":"r1","tier":"g1-ultra-tier"}`)
	writeAccountFile(t, dir, "bob.json", `{"id":"bob-id","email":"bob@example.com","access_token":"a2","tier":"PRO","model_quota":{"claude-sonnet-4-5":55}}`)
	writeAccountFile(t, dir, "broken.json", `{not json`)
	writeAccountFile(t, dir, "empty.json", `{"email":"nobody@example.com"}`)
	writeAccountFile(t, dir, "notes.txt", `ignored`)

	accounts, err := NewFileStore(dir).LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "alice", accounts[0].ID)
	assert.Equal(t, TierUltra, accounts[0].Tier)
	assert.Equal(t, "bob-id", accounts[1].ID)
	assert.Equal(t, TierPro, accounts[1].Tier)
	assert.Equal(t, 55.0, accounts[1].ModelQuota["claude-sonnet-4-5"])
}

func TestFileStore_PatchesPreserveUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeAccountFile(t, dir, "alice.json", `{"email":"alice@example.com","refresh_token":"r1","label":"work"}`)
	store := NewFileStore(dir)
	_, err := store.LoadAccounts()
	require.NoError(t, err)

	expiry := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRefreshedToken("alice", "new-access", expiry))
	require.NoError(t, store.DisableAccount("alice", "invalid_grant"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new-access", gjson.GetBytes(data, "access_token").String())
	assert.Equal(t, "2026-03-01T11:00:00Z", gjson.GetBytes(data, "token_expiry").String())
	assert.True(t, gjson.GetBytes(data, "disabled").Bool())
	assert.Equal(t, "invalid_grant", gjson.GetBytes(data, "disabled_reason").String())
	assert.Equal(t, "work", gjson.GetBytes(data, "label").String())

	accounts, err := store.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.True(t, accounts[0].Disabled)
	assert.Equal(t, expiry, accounts[0].TokenExpiry.UTC())
}

func TestFileStore_PatchMissingAccount(t *testing.T) {
	store := NewFileStore(t.TempDir())
	assert.Error(t, store.DisableAccount("ghost", "gone"))
}

func TestFileStore_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeAccountFile(t, dir, "a.json", `{"refresh_token":"r1"}`)
	store := NewFileStore(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, func(accounts []Account) {
			seen.Store(int32(len(accounts)))
		})
	}()

	require.Eventually(t, func() bool {
		writeAccountFile(t, dir, "b.json", `{"refresh_token":"r2"}`)
		return seen.Load() == 2
	}, 3*time.Second, 200*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
