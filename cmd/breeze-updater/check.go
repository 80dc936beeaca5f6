package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for available updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck()
	},
}

func runCheck() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLogging()

	onExit, err := registerBackend(cfg)
	if err != nil {
		return err
	}
	defer onExit()

	auditLog := openAudit(cfg, "check")
	defer closeAudit(auditLog)

	engine, err := newEngine(cfg, nil, reporters(auditLog)...)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	res, err := engine.Check(ctx)
	if err != nil {
		return sessionError(res, err)
	}
	printComponents(res.Components)
	return nil
}

func printComponents(set *updater.ComponentSet) {
	if set.Empty() {
		fmt.Println("No updates available.")
		return
	}
	fmt.Printf("%d update(s) available from %s:\n", set.Len(), set.Backend())
	for _, c := range set.Components() {
		installed := c.InstalledVersion
		if installed == "" {
			installed = "-"
		}
		size := ""
		if c.Size > 0 {
			size = formatBytes(c.Size)
		}
		fmt.Printf("  %-40s %-14s -> %-14s %s\n", c.ID, installed, c.AvailableVersion, size)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// signalContext is cancelled on SIGINT or SIGTERM, which cancels the running
// session.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// sessionError maps a finished session to an exit code: 1 for failure, 130
// for cancellation.
func sessionError(res updater.Result, err error) error {
	if updater.IsCancelled(err) || res.State == updater.StateCancelled {
		return &exitError{code: 130, msg: "cancelled"}
	}
	if err == nil {
		err = fmt.Errorf("session ended %s", res.State)
	}
	return &exitError{code: 1, msg: fmt.Sprintf("%s failed: %v", sessionName(res), err)}
}

func sessionName(res updater.Result) string {
	if res.Kind == "" {
		return "session"
	}
	return string(res.Kind)
}
