package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gocumulus/pkg/storage"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Operate on objects through a storage backend",
	Long: `Read and write objects through the same backends jobs use.

Credentials come from --cred KEY=VALUE, falling back to environment
variables of the same name (EC2_ACCESS_KEY, GCS_CREDENTIALS_JSON,
AZURE_STORAGE_ACCOUNT_NAME, FILE_ROOT and so on).

Examples:
  gocumulus storage get /bucket/out/result.txt --backend s3
  gocumulus storage put /bucket/code/job.py --from job.py --backend file --cred FILE_ROOT=/srv/data
  gocumulus storage set-acl /bucket/out/result.txt public --backend gcs`,
}

var (
	storageBackend string
	storageCreds   map[string]string
	storageDest    string
	storageFrom    string
)

// optionalStorageEnv are keys read from the environment when set, beyond
// the required ones.
var optionalStorageEnv = map[storage.Kind][]string{
	storage.KindS3:    {storage.CredS3Region},
	storage.KindGCS:   {storage.CredGCSProject},
	storage.KindAzure: {storage.CredAzureURL},
}

var storageGetCmd = &cobra.Command{
	Use:   "get URI",
	Short: "Print an object, or download it (or a directory) with --dest",
	Args:  cobra.ExactArgs(1),
	RunE: withStorage(false, func(ctx context.Context, cmd *cobra.Command, b *storage.Backend, u storage.URI, _ []string) error {
		if storageDest != "" {
			return b.Fetch(ctx, u, storageDest)
		}
		data, err := b.Get(ctx, u)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}),
}

var storagePutCmd = &cobra.Command{
	Use:   "put URI",
	Short: "Write stdin to an object, or upload a file or directory with --from",
	Args:  cobra.ExactArgs(1),
	RunE: withStorage(true, func(ctx context.Context, cmd *cobra.Command, b *storage.Backend, u storage.URI, _ []string) error {
		if storageFrom != "" {
			return b.Upload(ctx, u, storageFrom)
		}
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return b.Put(ctx, u, data)
	}),
}

var storageExistsCmd = &cobra.Command{
	Use:   "exists URI",
	Short: "Print whether an object or directory exists",
	Args:  cobra.ExactArgs(1),
	RunE: withStorage(false, func(ctx context.Context, cmd *cobra.Command, b *storage.Backend, u storage.URI, _ []string) error {
		ok, err := b.Exists(ctx, u)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok)
		return nil
	}),
}

var storageGetACLCmd = &cobra.Command{
	Use:   "get-acl URI",
	Short: "Print an object's ACL (private or public)",
	Args:  cobra.ExactArgs(1),
	RunE: withStorage(false, func(ctx context.Context, cmd *cobra.Command, b *storage.Backend, u storage.URI, _ []string) error {
		acl, err := b.GetACL(ctx, u)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), acl)
		return nil
	}),
}

var storageSetACLCmd = &cobra.Command{
	Use:   "set-acl URI ACL",
	Short: "Set an object's ACL to private or public",
	Args:  cobra.ExactArgs(2),
	RunE: withStorage(true, func(ctx context.Context, _ *cobra.Command, b *storage.Backend, u storage.URI, args []string) error {
		acl, err := storage.ParseACL(args[1])
		if err != nil {
			return err
		}
		return b.SetACL(ctx, u, acl)
	}),
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageGetCmd, storagePutCmd, storageExistsCmd, storageGetACLCmd, storageSetACLCmd)

	pf := storageCmd.PersistentFlags()
	pf.StringVar(&storageBackend, "backend", "", "Storage backend: s3, gcs, azure or file")
	pf.StringToStringVar(&storageCreds, "cred", nil, "Credential KEY=VALUE (repeatable)")
	_ = storageCmd.MarkPersistentFlagRequired("backend")

	storageGetCmd.Flags().StringVar(&storageDest, "dest", "", "Download to this local path instead of printing")
	storagePutCmd.Flags().StringVar(&storageFrom, "from", "", "Upload this local file or directory instead of stdin")
}

// storageCredentials merges --cred values over the environment.
func storageCredentials(kind storage.Kind, flags map[string]string) storage.Credentials {
	creds := storage.Credentials{}
	keys := append(kind.RequiredCredentials(), optionalStorageEnv[kind]...)
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			creds[k] = v
		}
	}
	for k, v := range flags {
		creds[k] = v
	}
	return creds
}

var errReadOnly = errors.New("storage mutations are disabled (--readonly)")

func withStorage(mutates bool, fn func(ctx context.Context, cmd *cobra.Command, b *storage.Backend, u storage.URI, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if mutates && IsReadOnly() {
			return exitError(foundry.ExitInvalidArgument, cmd.CommandPath()+" refused", errReadOnly)
		}
		u, err := storage.ParseURI(args[0])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid URI", err)
		}
		kind, err := storage.ParseKind(storageBackend)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid backend", err)
		}

		ctx := cmd.Context()
		cache := newBackendCache(loadedCfg)
		defer func() { _ = cache.Close() }()
		b, err := cache.Storage(ctx, string(kind), storageCredentials(kind, storageCreds))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to open storage backend", err)
		}

		if err := fn(ctx, cmd, b, u, args); err != nil {
			var code int
			switch {
			case storage.IsNotFound(err):
				code = foundry.ExitFileNotFound
			case mutates:
				code = foundry.ExitFileWriteError
			default:
				code = foundry.ExitFileReadError
			}
			return exitError(code, cmd.CommandPath()+" failed", err)
		}
		return nil
	}
}
