//go:build !unix

package runtime

import (
	"errors"
	"os/exec"
)

func configure(_ *exec.Cmd, runAs string, _ map[string]string, _ string) error {
	if runAs != "" {
		return errors.New("run-as identities need a unix host")
	}
	return nil
}

func terminate(cmd *exec.Cmd) error { return kill(cmd) }

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
