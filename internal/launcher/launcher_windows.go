//go:build windows

package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// setDetached starts the installer without a console and outside the
// updater's process group.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
	}
}

func markExecutable(string, os.FileMode) error {
	return nil
}

func command(path string, args []string) (string, []string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe":
		return path, args, nil
	case ".msi":
		return "msiexec.exe", append([]string{"/i", path}, args...), nil
	case ".bat", ".cmd":
		return "cmd.exe", append([]string{"/c", path}, args...), nil
	default:
		return "", nil, fmt.Errorf("unsupported installer type %q", filepath.Ext(path))
	}
}
