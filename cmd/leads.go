package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-funnel/internal/lead"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Look up resolved leads",
}

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead-id>",
	Short: "Show a lead with its identifiers, sources, tags, events and funnels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		d, err := backend.Leads.GetDetail(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "leads show")
		}
		if d == nil {
			return eris.Errorf("leads show: lead %s not found", args[0])
		}
		return printOutput(cmd, d)
	},
}

var leadsSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find leads by email, phone or name",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		email, _ := cmd.Flags().GetString("email")
		phone, _ := cmd.Flags().GetString("phone")
		name, _ := cmd.Flags().GetString("name")
		limit, _ := cmd.Flags().GetInt("limit")
		q := lead.SearchQuery{Email: email, Phone: phone, Name: name}
		if q == (lead.SearchQuery{}) {
			return lead.ErrEmptyQuery
		}

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		matches, err := lead.Search(ctx, backend.Leads, q, limit)
		if err != nil {
			return eris.Wrap(err, "leads search")
		}
		return printOutput(cmd, matches)
	},
}

func init() {
	f := leadsSearchCmd.Flags()
	f.String("email", "", "email address")
	f.String("phone", "", "phone number in any format")
	f.String("name", "", "full or partial name")
	f.Int("limit", 10, "max number of name matches")

	addFormatFlag(leadsShowCmd)
	addFormatFlag(leadsSearchCmd)
	leadsCmd.AddCommand(leadsShowCmd)
	leadsCmd.AddCommand(leadsSearchCmd)
	rootCmd.AddCommand(leadsCmd)
}
