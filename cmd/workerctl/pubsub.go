package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var pubsubCmd = &cobra.Command{
	Use:   "pubsub",
	Short: "Manage Pub/Sub namespaces and brokers",
	Long: `Pub/Sub namespaces group MQTT brokers under one DNS zone. Brokers can
forward published messages to a worker via an on-publish hook.`,
}

var pubsubNamespaceCmd = &cobra.Command{
	Use:     "namespace",
	Aliases: []string{"ns"},
	Short:   "Manage namespaces",
}

var pubsubNamespaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		ns, err := client.CreatePubSubNamespace(ctx, args[0])
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("Created namespace %s\n", ns.Name)
		return nil
	},
}

var pubsubNamespaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List namespaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		namespaces, err := client.ListPubSubNamespaces(ctx)
		if err != nil {
			return err
		}
		for _, ns := range namespaces {
			fmt.Println(ns.Name)
		}
		return nil
	},
}

var pubsubNamespaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		if err := client.DeletePubSubNamespace(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted namespace %s\n", args[0])
		return nil
	},
}

var pubsubBrokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage brokers",
}

var (
	brokerNamespace    string
	brokerAuthType     string
	brokerOnPublishURL string
	brokerNewAuthType  string
	brokerNewOnPublish string
)

var pubsubBrokerCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a broker",
	Long: `Create an MQTT broker in a namespace. With --on-publish-url, every
published message is delivered to that endpoint (typically a deployed
worker route) before fan-out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		b, err := client.CreatePubSubBroker(ctx, brokerNamespace, &workersdk.PubSubBroker{
			Name:         args[0],
			AuthType:     brokerAuthType,
			OnPublishURL: brokerOnPublishURL,
		})
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("Created broker %s.%s\n", b.Name, brokerNamespace)
		return nil
	},
}

var pubsubBrokerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List brokers in a namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		brokers, err := client.ListPubSubBrokers(ctx, brokerNamespace)
		if err != nil {
			return err
		}
		if len(brokers) == 0 {
			fmt.Printf("namespace %s has no brokers\n", brokerNamespace)
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tAUTH\tON PUBLISH\tCREATED")
		for _, b := range brokers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				b.Name, b.AuthType, b.OnPublishURL, b.CreatedAt.Local().Format("2006-01-02"))
		}
		return tw.Flush()
	},
}

var pubsubBrokerUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Update a broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		b, err := client.GetPubSubBroker(ctx, brokerNamespace, args[0])
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("auth-type") {
			b.AuthType = brokerNewAuthType
		}
		if cmd.Flags().Changed("on-publish-url") {
			b.OnPublishURL = brokerNewOnPublish
		}
		if _, err := client.UpdatePubSubBroker(ctx, brokerNamespace, b); err != nil {
			return err
		}
		fmt.Printf("Updated broker %s\n", b.Name)
		return nil
	},
}

var pubsubBrokerDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := apiClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		if err := client.DeletePubSubBroker(ctx, brokerNamespace, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted broker %s\n", args[0])
		return nil
	},
}

func init() {
	pubsubBrokerCmd.PersistentFlags().StringVarP(&brokerNamespace, "namespace", "n", "", "Namespace the broker lives in (required)")
	_ = pubsubBrokerCmd.MarkPersistentFlagRequired("namespace")
	pubsubBrokerCreateCmd.Flags().StringVar(&brokerAuthType, "auth-type", "TOKEN", "Broker auth type")
	pubsubBrokerCreateCmd.Flags().StringVar(&brokerOnPublishURL, "on-publish-url", "", "Deliver published messages to this URL")
	pubsubBrokerUpdateCmd.Flags().StringVar(&brokerNewAuthType, "auth-type", "", "New auth type")
	pubsubBrokerUpdateCmd.Flags().StringVar(&brokerNewOnPublish, "on-publish-url", "", "New on-publish URL (empty clears it)")

	pubsubNamespaceCmd.AddCommand(pubsubNamespaceCreateCmd, pubsubNamespaceListCmd, pubsubNamespaceDeleteCmd)
	pubsubBrokerCmd.AddCommand(pubsubBrokerCreateCmd, pubsubBrokerListCmd, pubsubBrokerUpdateCmd, pubsubBrokerDeleteCmd)
	pubsubCmd.AddCommand(pubsubNamespaceCmd, pubsubBrokerCmd)
	rootCmd.AddCommand(pubsubCmd)
}
