package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"runplane/pkg/api"
)

var runCmd = &cobra.Command{
	Use:   "run [script|-]",
	Short: "Submit a script and follow its output",
	Long: `Submit a sectioned script to the controller. By default the command follows
the session and prints every node's output as it arrives, then the final
report. With --detach it prints the session id and returns immediately.

Use "-" to read the script from standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		req, err := buildSubmitRequest(cmd, args[0])
		if err != nil {
			return err
		}

		if detach, _ := cmd.Flags().GetBool("detach"); detach {
			resp, err := client.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			cmd.Printf("🚀 Session started!\nID: %s\n", resp.SessionID)
			return nil
		}

		p := &streamPrinter{out: cmd.OutOrStdout()}
		if err := client.SubmitAndStream(cmd.Context(), req, p.print); err != nil {
			return err
		}
		return p.outcome()
	},
}

func buildSubmitRequest(cmd *cobra.Command, source string) (api.SubmitRequest, error) {
	var req api.SubmitRequest

	script, err := readSource(cmd.InOrStdin(), source)
	if err != nil {
		return req, err
	}
	req.Script = script

	pairs, _ := cmd.Flags().GetStringArray("env")
	if len(pairs) > 0 {
		req.Env = make(map[string]string, len(pairs))
		for _, pair := range pairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || k == "" {
				return req, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
			}
			req.Env[k] = v
		}
	}

	if cmd.Flags().Changed("timeout") {
		timeout, _ := cmd.Flags().GetInt("timeout")
		if timeout < -1 {
			return req, fmt.Errorf("invalid --timeout %d, expected seconds or -1", timeout)
		}
		req.Timeout = &timeout
	}

	req.Tags, _ = cmd.Flags().GetStringSlice("tag")

	includes, _ := cmd.Flags().GetStringArray("include")
	for _, path := range includes {
		raw, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("reading include: %w", err)
		}
		req.Includes = append(req.Includes, api.Library{Name: filepath.Base(path), Source: string(raw)})
	}
	return req, nil
}

func readSource(stdin io.Reader, source string) (string, error) {
	var raw []byte
	var err error
	if source == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(source)
	}
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", fmt.Errorf("script %s is empty", source)
	}
	return string(raw), nil
}

func init() {
	runCmd.Flags().StringArrayP("env", "e", nil, "initial environment variable KEY=VALUE (repeatable)")
	runCmd.Flags().Int("timeout", 0, "per-section timeout in seconds, -1 for none")
	runCmd.Flags().StringSlice("tag", nil, "tag attached to the session")
	runCmd.Flags().StringArray("include", nil, "library file shipped with every section (repeatable)")
	runCmd.Flags().BoolP("detach", "d", false, "print the session id and return without following")
	rootCmd.AddCommand(runCmd)
}
