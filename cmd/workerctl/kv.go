package main

import (
	"fmt"

	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var kvNamespace string

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Work with local KV namespaces",
	Long: `Read and write the SQLite-backed KV namespaces the dev server uses,
stored under ` + workersdk.DataDir + `/kv/. Handy for seeding data before a dev
session or inspecting what a worker wrote.

Examples:
  workerctl kv put session:1 '{"user":"ada"}' -n my-cache
  workerctl kv get session:1 -n my-cache
  workerctl kv list -n my-cache --prefix session:`,
}

var (
	kvMetadata string
	kvTTL      int
)

var kvPutCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value",
	Args:  cobra.ExactArgs(2),
	RunE:  runKVPut,
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a value",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVGet,
}

var kvDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKVDelete,
}

var (
	kvPrefix string
	kvLimit  int
	kvCursor string
)

var kvListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys",
	Args:  cobra.NoArgs,
	RunE:  runKVList,
}

func init() {
	kvCmd.PersistentFlags().StringVarP(&kvNamespace, "namespace", "n", "", "Namespace to operate on (required)")
	_ = kvCmd.MarkPersistentFlagRequired("namespace")
	kvPutCmd.Flags().StringVar(&kvMetadata, "metadata", "", "JSON metadata to attach")
	kvPutCmd.Flags().IntVar(&kvTTL, "ttl", 0, "Expiration in seconds (0 = never)")
	kvListCmd.Flags().StringVar(&kvPrefix, "prefix", "", "Only keys starting with this prefix")
	kvListCmd.Flags().IntVar(&kvLimit, "limit", 100, "Maximum keys to return")
	kvListCmd.Flags().StringVar(&kvCursor, "cursor", "", "Continue a previous listing")
	kvCmd.AddCommand(kvPutCmd, kvGetCmd, kvDeleteCmd, kvListCmd)
	rootCmd.AddCommand(kvCmd)
}

func openKV() (*workersdk.LocalKV, error) {
	return workersdk.OpenLocalKV(projectDataDir(), kvNamespace)
}

func runKVPut(cmd *cobra.Command, args []string) error {
	store, err := openKV()
	if err != nil {
		return err
	}
	defer store.Close()

	var metadata *string
	if kvMetadata != "" {
		metadata = &kvMetadata
	}
	var ttl *int
	if kvTTL > 0 {
		ttl = &kvTTL
	}
	return store.Put(args[0], args[1], metadata, ttl)
}

func runKVGet(cmd *cobra.Command, args []string) error {
	store, err := openKV()
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := store.GetWithMetadata(args[0])
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("key %q not found in namespace %q", args[0], kvNamespace)
	}
	fmt.Println(v.Value)
	if v.Metadata != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "metadata: %s\n", *v.Metadata)
	}
	return nil
}

func runKVDelete(cmd *cobra.Command, args []string) error {
	store, err := openKV()
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Delete(args[0])
}

func runKVList(cmd *cobra.Command, args []string) error {
	store, err := openKV()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.List(kvPrefix, kvLimit, kvCursor)
	if err != nil {
		return err
	}
	for _, k := range res.Keys {
		if name, ok := k["name"].(string); ok {
			fmt.Println(name)
		}
	}
	if !res.ListComplete {
		fmt.Fprintf(cmd.ErrOrStderr(), "more keys remain; continue with --cursor %s\n", res.Cursor)
	}
	return nil
}
