package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/autoupdate/internal/config"
	"github.com/breeze-rmm/autoupdate/internal/interactive"
	"github.com/breeze-rmm/autoupdate/internal/privilege"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

var (
	installAll        bool
	installAcceptEula bool
)

var installCmd = &cobra.Command{
	Use:   "install [component-id...]",
	Short: "Check for updates and install the selected components",
	Args: func(cmd *cobra.Command, args []string) error {
		if installAll && len(args) > 0 {
			return fmt.Errorf("component ids and --all are mutually exclusive")
		}
		if !installAll && len(args) == 0 {
			return fmt.Errorf("specify component ids or --all")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(args)
	},
}

func init() {
	installCmd.Flags().BoolVar(&installAll, "all", false, "install every available update")
	installCmd.Flags().BoolVar(&installAcceptEula, "accept-eula", false, "accept all license agreements without prompting")
}

// eulaGate picks how license agreements are answered: explicit acceptance,
// then an operator at a terminal, then rejection.
func eulaGate(cfg *config.Config, acceptFlag bool) updater.EulaGate {
	switch {
	case acceptFlag || cfg.AutoAcceptEula:
		return updater.AcceptAllEulas
	case interactive.IsTerminal():
		return interactive.NewPrompter()
	default:
		return updater.RejectAllEulas
	}
}

func runInstall(ids []string) error {
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

	if cfg.Backend == config.BackendPatching {
		if err := privilege.Require("installing system packages"); err != nil {
			return err
		}
	}

	auditLog := openAudit(cfg, "install")
	defer closeAudit(auditLog)

	engine, err := newEngine(cfg, eulaGate(cfg, installAcceptEula), reporters(auditLog)...)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	checked, err := engine.Check(ctx)
	if err != nil {
		return sessionError(checked, err)
	}
	if installAll {
		ids = checked.Components.IDs()
	}
	if len(ids) == 0 {
		fmt.Println("No updates available.")
		return nil
	}

	res, err := engine.Install(ctx, ids)
	if res.SessionID == "" && err != nil {
		return err
	}
	printRecords(res)

	switch res.State {
	case updater.StateCompleted:
		return nil
	case updater.StatePartiallyFailed:
		return &exitError{code: 2, msg: "some updates failed to install"}
	default:
		return sessionError(res, err)
	}
}

func printRecords(res updater.Result) {
	for _, rec := range res.Records {
		line := fmt.Sprintf("  %-40s %s", rec.ComponentID, rec.Status)
		if rec.Message != "" {
			line += ": " + rec.Message
		}
		if rec.Err != nil {
			line += fmt.Sprintf(" (%s: %v)", rec.Kind, rec.Err)
		}
		fmt.Println(line)
	}
	counts := res.Counts()
	fmt.Printf("%d installed, %d failed, %d cancelled\n",
		counts[updater.StatusInstalled], counts[updater.StatusFailed], counts[updater.StatusCancelled])
}
