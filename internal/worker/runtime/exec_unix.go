//go:build unix

package runtime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// configure puts the script in its own process group and, when runAs names
// another account, switches credentials. The run directory is handed over
// to that account.
func configure(cmd *exec.Cmd, runAs string, env map[string]string, dir string) error {
	attr := &syscall.SysProcAttr{Setpgid: true}
	cmd.SysProcAttr = attr
	if runAs == "" {
		return nil
	}

	current, err := user.Current()
	if err == nil && current.Username == runAs {
		env["USER"], env["HOME"] = current.Username, current.HomeDir
		return nil
	}

	u, err := user.Lookup(runAs)
	if err != nil {
		return fmt.Errorf("run as %q: %w", runAs, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("run as %q: uid %q: %w", runAs, u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("run as %q: gid %q: %w", runAs, u.Gid, err)
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("run as %q: agent is not privileged", runAs)
	}
	if err := chownTree(dir, int(uid), int(gid)); err != nil {
		return fmt.Errorf("run as %q: %w", runAs, err)
	}

	attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	env["USER"], env["LOGNAME"], env["HOME"] = u.Username, u.Username, u.HomeDir
	return nil
}

func chownTree(dir string, uid, gid int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := os.Chown(dir, uid, gid); err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Chown(dir+"/"+e.Name(), uid, gid); err != nil {
			return err
		}
	}
	return nil
}

// terminate sends SIGTERM to the script's process group.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return signalGroup(cmd, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return signalGroup(cmd, syscall.SIGKILL)
}

// signalGroup ignores a group that has already gone away.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
