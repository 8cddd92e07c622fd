package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [session_id]",
	Short: "Stop a running session",
	Long:  `Stop a running session. Nodes of the current section are terminated and no further sections start; the final report still reaches every subscriber.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		if err := client.Stop(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		cmd.Printf("🛑 Stopping session %s\n", args[0])
		return nil
	},
}

var inputCmd = &cobra.Command{
	Use:   "input [session_id] [data...]",
	Short: "Send input to the nodes of the running section",
	Long: `Send a line of input to the standard input of the nodes running the current
section. The arguments are joined with spaces and a newline is appended
unless --raw is given.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		targets, _ := cmd.Flags().GetString("targets")
		data := strings.Join(args[1:], " ")
		if raw, _ := cmd.Flags().GetBool("raw"); !raw {
			data += "\n"
		}
		if err := client.Input(cmd.Context(), args[0], targets, data); err != nil {
			return err
		}
		cmd.Println("Input sent.")
		return nil
	},
}

func init() {
	stopCmd.Flags().String("reason", "", "reason recorded in the final report")
	inputCmd.Flags().String("targets", "", "only nodes matching this target expression")
	inputCmd.Flags().Bool("raw", false, "send the data without a trailing newline")
	rootCmd.AddCommand(stopCmd, inputCmd)
}
