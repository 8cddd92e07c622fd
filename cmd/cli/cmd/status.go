package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"runplane/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [session_id]",
	Short: "Get status of a session",
	Long:  `Retrieve the state of a live or archived session (CREATED, PARSING, RUNNING_SECTIONS, FINALIZING, DONE), its progress through the script and, once finished, its report.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		session, err := client.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), *session)
		return nil
	},
}

func printStatus(w io.Writer, s api.SessionResponse) {
	// Header with state icon
	fmt.Fprintf(w, "%s %sSession Details%s\n", stateIcon(s.State), colorBold, colorReset)
	fmt.Fprintln(w, "──────────────────────────────")

	fmt.Fprintf(w, "%sID:%s          %s\n", colorDim, colorReset, s.ID)
	fmt.Fprintf(w, "%sState:%s       %s\n", colorDim, colorReset, colorizeState(s.State))
	fmt.Fprintf(w, "%sUser:%s        %s\n", colorDim, colorReset, s.User)
	fmt.Fprintf(w, "%sOrg:%s         %s\n", colorDim, colorReset, s.Org)
	if len(s.Tags) > 0 {
		fmt.Fprintf(w, "%sTags:%s        %s\n", colorDim, colorReset, strings.Join(s.Tags, ", "))
	}
	if s.Sections > 0 {
		fmt.Fprintf(w, "%sSection:%s     %d/%d\n", colorDim, colorReset, s.Section, s.Sections)
	}

	started := s.StartedAt
	fmt.Fprintf(w, "%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&started))
	if s.FinishedAt != nil {
		fmt.Fprintf(w, "%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(s.FinishedAt),
			colorCyan, formatDuration(s.FinishedAt.Sub(s.StartedAt)), colorReset)
	} else {
		fmt.Fprintf(w, "%sFinished:%s    -\n", colorDim, colorReset)
	}

	if s.StopReason != "" {
		fmt.Fprintf(w, "%sStopped:%s     %s%s%s\n", colorDim, colorReset, colorRed, s.StopReason, colorReset)
	}
	if len(s.Report) > 0 {
		fmt.Fprintln(w)
		printReport(w, s.Report)
	}
}

// printReport lists every section and the return code of each node.
func printReport(w io.Writer, report []api.SectionReport) {
	fmt.Fprintf(w, "%sReport%s\n", colorBold, colorReset)
	for i, sec := range report {
		header := fmt.Sprintf("%d. %s", i+1, sec.Targets)
		if len(sec.Args) > 0 {
			header += " " + strings.Join(sec.Args, " ")
		}
		fmt.Fprintf(w, "%s %s(%s)%s\n", header, colorDim, sec.JobID, colorReset)
		if len(sec.Nodes) == 0 {
			fmt.Fprintf(w, "   %sno nodes%s\n", colorDim, colorReset)
		}
		for _, n := range sec.Nodes {
			code := fmt.Sprintf("%s%d%s", colorGreen, n.RetCode, colorReset)
			if n.RetCode != 0 {
				code = fmt.Sprintf("%s%d%s", colorRed, n.RetCode, colorReset)
			}
			fmt.Fprintf(w, "   %-24s %-12s %s\n", n.Node, n.RunAs, code)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func stateIcon(state string) string {
	switch state {
	case api.StateDone:
		return colorGreen + "✓" + colorReset
	case api.StateRunningSections, api.StateFinalizing:
		return colorYellow + "⏳" + colorReset
	case api.StateCreated, api.StateParsing:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeState(state string) string {
	icon := stateIcon(state)
	switch state {
	case api.StateDone:
		return icon + " " + colorGreen + state + colorReset
	case api.StateRunningSections, api.StateFinalizing:
		return icon + " " + colorYellow + state + colorReset
	case api.StateCreated, api.StateParsing:
		return icon + " " + colorCyan + state + colorReset
	default:
		return state
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
