// cmd/creamctl/root.go
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"creamcrm/internal/clients"
)

type globalFlags struct {
	apiURL string
	token  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "creamctl",
		Short:         "Operate the C.R.E.A.M. loyalty service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.apiURL, "api", envOr("CREAMCTL_API", "http://localhost:3000/api"), "staff API base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("CREAMCTL_TOKEN"), "staff bearer token")

	client := func() *clients.LoyaltyClient {
		return clients.NewLoyaltyClient(flags.apiURL, flags.token)
	}

	root.AddCommand(
		newMemberCmd(client),
		newStampCmd(client),
		newRedeemCmd(client),
		newMessageCmd(client),
		newPushCmd(client),
		newStatsCmd(client),
		newTokenCmd(),
		newMigrateCmd(),
		newChaosCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
