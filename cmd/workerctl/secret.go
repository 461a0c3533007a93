package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets on the deployed worker",
	Long: `Secrets are stored write-only on the platform; the API never returns
their values. For local development put values in .dev.vars instead.`,
}

var secretValue string

var secretPutCmd = &cobra.Command{
	Use:   "put <name>",
	Short: "Create or update a secret",
	Long: `Set a secret on the deployed worker. The value comes from --value or,
when omitted, from stdin — so it stays out of shell history:

  echo -n "$TOKEN" | workerctl secret put API_TOKEN`,
	Args: cobra.ExactArgs(1),
	RunE: runSecretPut,
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names",
	Args:  cobra.NoArgs,
	RunE:  runSecretList,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretDelete,
}

func init() {
	secretPutCmd.Flags().StringVar(&secretValue, "value", "", "Secret value (omit to read from stdin)")
	secretCmd.AddCommand(secretPutCmd, secretListCmd, secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}

func runSecretPut(cmd *cobra.Command, args []string) error {
	name := args[0]
	value := secretValue
	if value == "" {
		if isTerminal(os.Stdin) {
			fmt.Fprintf(os.Stderr, "Enter value for %s: ", name)
		}
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading secret value: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return fmt.Errorf("secret value is empty")
	}

	cfg, _, err := loadProject()
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := client.PutSecret(ctx, cfg.Name, name, value); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("Secret %s set on %s\n", name, cfg.Name)
	return nil
}

func runSecretList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadProject()
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	secrets, err := client.ListSecrets(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Printf("%s has no secrets\n", cfg.Name)
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE")
	for _, s := range secrets {
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Type)
	}
	return tw.Flush()
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadProject()
	if err != nil {
		return err
	}
	client, err := apiClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := client.DeleteSecret(ctx, cfg.Name, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted secret %s from %s\n", args[0], cfg.Name)
	return nil
}

// isTerminal reports whether f is an interactive terminal, so the value
// prompt only appears when a human is typing.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
