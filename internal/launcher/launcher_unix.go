//go:build !windows

package launcher

import (
	"os"
	"os/exec"
	"syscall"
)

// setDetached starts the installer in a new session, independent of the
// updater's process group and controlling terminal.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

func markExecutable(path string, mode os.FileMode) error {
	if mode.Perm()&0111 == 0111 {
		return nil
	}
	return os.Chmod(path, 0755)
}

func command(path string, args []string) (string, []string, error) {
	return path, args, nil
}
