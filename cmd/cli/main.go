package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/siddharth-ghatti/safe-coder/internal/application"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/config"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/eventlog"
	"github.com/siddharth-ghatti/safe-coder/internal/infrastructure/logger"
	"github.com/siddharth-ghatti/safe-coder/internal/interfaces/cli"
)

const (
	cliVersion = "0.3.0"
	cliName    = "safe-coder"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Safe-Coder — interactive coding assistant",
		Long:  "Safe-Coder CLI — plans and executes engineering requests against a working project directory",
		RunE:  runInteractive,
	}

	rootCmd.Flags().StringP("workspace", "w", "", "project directory (default: cwd)")
	rootCmd.Flags().StringP("resume", "r", "", "resume a previous session by id")
	rootCmd.Flags().StringP("model", "m", "", "override the configured model")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		RunE:  runSessions,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check environment prerequisites",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInteractive(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Agent.Model = model
	}

	workspace, _ := cmd.Flags().GetString("workspace")
	if workspace == "" {
		workspace, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	log := logger.Quiet()
	defer log.Sync()

	app, err := application.NewApp(cfg, workspace, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer app.Shutdown()

	resume, _ := cmd.Flags().GetString("resume")
	repl, err := cli.NewReplApp(app, resume)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return repl.Run(cliVersion)
}

func runSessions(cmd *cobra.Command, args []string) error {
	sessions, err := eventlog.ListRecentSessions(7)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions in the last 7 days")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %s  %4d events  %s\n",
			s.SessionID,
			s.CreatedAt.Format("2006-01-02 15:04"),
			s.EventCount,
			s.ProjectPath,
		)
	}
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	check := func(name string, ok bool, hint string) {
		status := "ok"
		if !ok {
			status = "MISSING — " + hint
		}
		fmt.Printf("%-14s %s\n", name, status)
	}

	_, gitErr := exec.LookPath("git")
	check("git", gitErr == nil, "required for worker worktree isolation")

	_, sgErr := exec.LookPath("ast-grep")
	check("ast-grep", sgErr == nil, "optional; ast_grep tool will be unavailable")

	cfgDir, err := config.ConfigDir()
	check("config dir", err == nil, "home directory unavailable")
	if err == nil {
		fmt.Printf("%-14s %s\n", "config", cfgDir)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Providers) == 0 {
		fmt.Println("providers      none configured — add providers to config.yaml")
		return nil
	}
	for _, p := range cfg.Providers {
		check("provider:"+p.Name, p.APIKey != "", "api_key not set")
	}
	return nil
}
