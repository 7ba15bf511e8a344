// cmd/creamctl/member.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"creamcrm/internal/clients"
	"creamcrm/internal/loyalty"
)

type clientFactory func() *clients.LoyaltyClient

func newMemberCmd(client clientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Look up and register members",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get SERIAL",
		Short: "Show one member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := client().GetMember(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			members, err := client().ListMembers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), members)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "search QUERY",
		Short: "Search by name, email or serial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			members, err := client().SearchMembers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), members)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history SERIAL",
		Short: "Show reward history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	})

	var req loyalty.RegisterRequest
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a new member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := client().RegisterMember(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	register.Flags().StringVar(&req.Name, "name", "", "full name")
	register.Flags().StringVar(&req.Email, "email", "", "email address")
	register.Flags().StringVar(&req.Phone, "phone", "", "phone number")
	register.Flags().StringVar(&req.Birthday, "birthday", "", "birthday (YYYY-MM-DD)")
	register.Flags().StringVar(&req.Gender, "gender", "", "gender")
	_ = register.MarkFlagRequired("name")
	_ = register.MarkFlagRequired("email")
	cmd.AddCommand(register)

	return cmd
}

func newStampCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "stamp SERIAL",
		Short: "Add one stamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().AddStamp(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.RewardEarned {
				fmt.Fprintf(cmd.OutOrStdout(), "%s earned a free drink (%d available)\n", res.Member.Serial, res.Member.AvailableRewards)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d/%d stamps\n", res.Member.Serial, res.Member.Stamps, loyalty.StampsPerReward)
			return nil
		},
	}
}

func newRedeemCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem SERIAL",
		Short: "Redeem one free drink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := client().RedeemReward(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s redeemed a reward (%d left)\n", m.Serial, m.AvailableRewards)
			return nil
		},
	}
}

func newMessageCmd(client clientFactory) *cobra.Command {
	var msg loyalty.MessageRequest
	cmd := &cobra.Command{
		Use:   "message SERIAL",
		Short: "Put a message on the back of a member's pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := client().SendMessage(cmd.Context(), args[0], msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message sent to %s\n", m.Serial)
			return nil
		},
	}
	cmd.Flags().StringVar(&msg.Title, "title", "", "message title")
	cmd.Flags().StringVar(&msg.Body, "body", "", "message body")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newPushCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "push SERIAL",
		Short: "Force a pass update push to every registered device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().RefreshPass(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pass refresh queued for %s\n", args[0])
			return nil
		},
	}
}

func newStatsCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}
