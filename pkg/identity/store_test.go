package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tag = "mykey:tower.nf"

func newTempStore(t *testing.T, initial string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".ssh", "authorized_keys")
	if initial != "" {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, os.WriteFile(path, []byte(initial), 0o600))
	}
	return NewStore(path)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestStore_UpsertCreatesFile(t *testing.T) {
	store := newTempStore(t, "")

	require.NoError(t, store.Upsert(tag, `restrict,pty`, "ssh-ed25519 AAAAkey"))

	assert.Equal(t, []string{`restrict,pty ssh-ed25519 AAAAkey mykey:tower.nf`}, readLines(t, store.Path()))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, FileMode, info.Mode().Perm())
}

func TestStore_UpsertReplacesTaggedEntryOnly(t *testing.T) {
	store := newTempStore(t, strings.Join([]string{
		"ssh-rsa AAAAother alice@laptop",
		"restrict ssh-ed25519 AAAAold mykey:tower.nf",
		"ssh-ed25519 AAAAkeep mykey:tower.nf.example",
	}, "\n")+"\n")

	require.NoError(t, store.Upsert(tag, "restrict,pty", "ssh-ed25519 AAAAnew"))

	assert.Equal(t, []string{
		"ssh-rsa AAAAother alice@laptop",
		"ssh-ed25519 AAAAkeep mykey:tower.nf.example",
		"restrict,pty ssh-ed25519 AAAAnew mykey:tower.nf",
	}, readLines(t, store.Path()))
}

func TestStore_UpsertWithoutRestriction(t *testing.T) {
	store := newTempStore(t, "")
	require.NoError(t, store.Upsert(tag, "", "ssh-ed25519 AAAAkey"))

	line, ok, err := store.Lookup(tag)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ssh-ed25519 AAAAkey mykey:tower.nf", line)
}

func TestStore_Remove(t *testing.T) {
	store := newTempStore(t, "ssh-rsa AAAAother alice@laptop\nrestrict ssh-ed25519 AAAAold mykey:tower.nf\n")

	require.NoError(t, store.Remove(tag))

	assert.Equal(t, []string{"ssh-rsa AAAAother alice@laptop"}, readLines(t, store.Path()))
	_, ok, err := store.Lookup(tag)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RemoveOnMissingFileDoesNotCreateIt(t *testing.T) {
	store := newTempStore(t, "")

	require.NoError(t, store.Remove(tag))

	_, err := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestStore_RemoveLastEntryKeepsEmptyFile(t *testing.T) {
	store := newTempStore(t, "restrict ssh-ed25519 AAAAold mykey:tower.nf\n")

	require.NoError(t, store.Remove(tag))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestStore_InterruptedUpsertKeepsPriorContent(t *testing.T) {
	original := "ssh-rsa AAAAother alice@laptop\nrestrict ssh-ed25519 AAAAold mykey:tower.nf\n"
	store := newTempStore(t, original)

	var tmpSeen string
	store.beforeRename = func(tmpPath string) error {
		tmpSeen = tmpPath
		data, err := os.ReadFile(tmpPath)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(string(data), "ssh-ed25519 AAAAnew mykey:tower.nf\n"))
		return errors.New("simulated crash")
	}

	err := store.Upsert(tag, "restrict", "ssh-ed25519 AAAAnew")
	require.Error(t, err)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, original, string(data))

	_, err = os.Stat(tmpSeen)
	assert.True(t, os.IsNotExist(err), "temporary file should be cleaned up")
}

func TestStore_NoTemporaryFilesLeftBehind(t *testing.T) {
	store := newTempStore(t, "")
	require.NoError(t, store.Upsert(tag, "", "ssh-ed25519 AAAAkey"))
	require.NoError(t, store.Upsert(tag, "", "ssh-ed25519 AAAAkey2"))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "authorized_keys", entries[0].Name())
}

func TestStore_RejectsEmptyInput(t *testing.T) {
	store := newTempStore(t, "")
	assert.Error(t, store.Upsert("", "", "ssh-ed25519 AAAA"))
	assert.Error(t, store.Upsert(tag, "", "  "))
	assert.Error(t, store.Remove(""))
}

func TestExpiryRestriction(t *testing.T) {
	now := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, `restrict,pty,expiry-time="20261117"`, ExpiryRestriction(30, now))
	assert.Equal(t, `restrict,pty,expiry-time="20261019"`, ExpiryRestriction(1, now))
}

func TestCommentTag(t *testing.T) {
	assert.Equal(t, "mykey:tower.nf", CommentTag("tower.nf"))
}
