package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live and recently finished sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		sessions, err := client.ListSessions(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			cmd.Println("No sessions found.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tUSER\tSECTION\tSTARTED\tSTOP REASON")
		for _, s := range sessions {
			section := "-"
			if s.Sections > 0 {
				section = fmt.Sprintf("%d/%d", s.Section, s.Sections)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\t%s\n",
				s.ID, s.State, s.User, section, relativeTime(s.StartedAt), s.StopReason)
		}
		return tw.Flush()
	},
}

func init() {
	sessionsCmd.Flags().Int("limit", 20, "maximum number of archived sessions to include")
	rootCmd.AddCommand(sessionsCmd)
}
