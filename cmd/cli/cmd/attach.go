package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"runplane/pkg/api"
)

var attachCmd = &cobra.Command{
	Use:   "attach [session_id]",
	Short: "Follow the output of a running session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		p := &streamPrinter{out: cmd.OutOrStdout()}
		if err := client.Attach(cmd.Context(), args[0], p.print); err != nil {
			return err
		}
		return p.outcome()
	},
}

// streamPrinter renders stream messages as they arrive.
type streamPrinter struct {
	out    io.Writer
	report *api.StreamMessage
}

func (p *streamPrinter) print(msg api.StreamMessage) error {
	switch msg.Type {
	case api.MessagePartial:
		if msg.Node == "" {
			fmt.Fprintf(p.out, "%s▶ %s%s %s(%s)%s\n", colorBold, msg.Targets, colorReset, colorDim, msg.JobID, colorReset)
			return nil
		}
		writePrefixed(p.out, msg.Node, "", msg.Stdout)
		writePrefixed(p.out, msg.Node, colorRed, msg.Stderr)
	case api.MessageFinished:
		p.report = &msg
		printReport(p.out, msg.Report)
		if msg.StopReason != "" {
			fmt.Fprintf(p.out, "%sStopped:%s %s\n", colorDim, colorReset, msg.StopReason)
		}
	}
	return nil
}

// outcome is an error when the session was stopped or any node failed.
func (p *streamPrinter) outcome() error {
	if p.report == nil {
		return errStreamEnded
	}
	if p.report.StopReason != "" {
		return fmt.Errorf("session stopped: %s", p.report.StopReason)
	}
	for _, sec := range p.report.Report {
		for _, n := range sec.Nodes {
			if n.RetCode != 0 {
				return fmt.Errorf("node %s failed in section %q with code %d", n.Node, sec.Targets, n.RetCode)
			}
		}
	}
	return nil
}

func writePrefixed(w io.Writer, node, color, text string) {
	if text == "" {
		return
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		if color == "" {
			fmt.Fprintf(w, "%s[%s]%s %s", colorCyan, node, colorReset, line)
		} else {
			fmt.Fprintf(w, "%s[%s]%s %s%s%s", colorCyan, node, colorReset, color, line, colorReset)
		}
	}
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
