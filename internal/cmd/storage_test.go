package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocumulus/pkg/storage"
)

func TestStorageCommands_FileBackend(t *testing.T) {
	root := t.TempDir()
	cred := "FILE_ROOT=" + root

	_, err := runCLI(t, "hello", "storage", "put", "/b/greeting.txt", "--backend", "file", "--cred", cred)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "b", "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out, err := runCLI(t, "", "storage", "get", "/b/greeting.txt", "--backend", "file", "--cred", cred)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = runCLI(t, "", "storage", "exists", "/b/greeting.txt", "--backend", "file", "--cred", cred)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	out, err = runCLI(t, "", "storage", "exists", "/b/absent.txt", "--backend", "file", "--cred", cred)
	require.NoError(t, err)
	assert.Equal(t, "false\n", out)
}

func TestStorageCommands_CredentialsFromEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv(storage.CredFileRoot, root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "k.txt"), []byte("v"), 0o644))

	out, err := runCLI(t, "", "storage", "get", "/b/k.txt", "--backend", "file")
	require.NoError(t, err)
	assert.Equal(t, "v", out)
}

func TestStorageCommands_Errors(t *testing.T) {
	root := t.TempDir()
	cred := "FILE_ROOT=" + root

	t.Run("missing object", func(t *testing.T) {
		_, err := runCLI(t, "", "storage", "get", "/b/none.txt", "--backend", "file", "--cred", cred)
		var ce *cliError
		require.ErrorAs(t, err, &ce)
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := runCLI(t, "", "storage", "get", "/b/k", "--backend", "ftp")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid backend")
	})

	t.Run("missing credentials", func(t *testing.T) {
		t.Setenv(storage.CredFileRoot, "")
		_, err := runCLI(t, "", "storage", "get", "/b/k", "--backend", "file")
		require.Error(t, err)
		assert.Contains(t, err.Error(), storage.CredFileRoot)
	})

	t.Run("readonly refuses put", func(t *testing.T) {
		_, err := runCLI(t, "x", "--readonly", "storage", "put", "/b/k", "--backend", "file", "--cred", cred)
		require.ErrorIs(t, err, errReadOnly)
		_, statErr := os.Stat(filepath.Join(root, "b", "k"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("acl unsupported on file backend", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "b", "k"), []byte("v"), 0o644))
		_, err := runCLI(t, "", "storage", "get-acl", "/b/k", "--backend", "file", "--cred", cred)
		require.Error(t, err)
		assert.True(t, storage.IsUnsupportedOperation(err))
	})
}

func TestStorageCredentials_FlagsWin(t *testing.T) {
	t.Setenv(storage.CredFileRoot, "/from/env")
	creds := storageCredentials(storage.KindFile, map[string]string{storage.CredFileRoot: "/from/flag"})
	assert.Equal(t, "/from/flag", creds.Get(storage.CredFileRoot))

	creds = storageCredentials(storage.KindFile, nil)
	assert.Equal(t, "/from/env", creds.Get(storage.CredFileRoot))
}
