package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dare/internal/app"
	"dare/internal/config"
	"dare/internal/storage"
	"dare/internal/task"
	logx "dare/pkg/logx"
	"dare/pkg/systemd"
)

var (
	flagConfig string

	flagAuditJob   string
	flagAuditKind  string
	flagAuditLimit int
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "./dare.yaml", "path to the app config (yaml or json)")
	rootCmd.SilenceErrors = true

	auditCmd.Flags().StringVar(&flagAuditJob, "job", "", "only entries for this job file")
	auditCmd.Flags().StringVar(&flagAuditKind, "kind", "", "only entries of this kind")
	auditCmd.Flags().IntVar(&flagAuditLimit, "limit", 50, "most recent entries to print (0 = all)")

	rootCmd.AddCommand(runCmd, validateCmd, auditCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "dare",
	Short:        "Registers for course sections as soon as seats allow",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "watch the job directory and run every job in it",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate [job files...]",
	Short: "check the app config and job files without running anything",
	RunE:  doValidate,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "print the audit trail as JSON lines",
	Args:  cobra.NoArgs,
	RunE:  doAudit,
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(flagConfig)
	if err != nil {
		return err
	}
	a.OnStatus = func(s string) { _, _ = systemd.Status(s) }

	wctx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go func() { _ = systemd.Watchdog(wctx) }()

	_, _ = systemd.Ready()
	err = a.Run(ctx)
	_, _ = systemd.Stopping()
	return err
}

func doValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadApp(flagConfig)
	if err != nil {
		return err
	}
	if err := task.ValidateResync(cfg.Supervisor.Resync); err != nil {
		return err
	}
	if len(args) == 0 {
		if args, err = config.ListJobFiles(cfg.Supervisor.ConfigDir); err != nil {
			return err
		}
	}

	var failed int
	for _, path := range args {
		jf, err := config.LoadJob(path)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d course group(s))\n", path, len(jf.Courses))
		for _, w := range jf.Warnings() {
			fmt.Fprintf(out, "     warning: %s\n", w)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d job file(s) invalid", failed, len(args))
	}
	return nil
}

func doAudit(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadApp(flagConfig)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.Nop())
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("storage is disabled in the app config")
	}
	defer st.Close()

	entries, err := st.ListAudit(cmd.Context(), storage.AuditQuery{
		JobID: flagAuditJob,
		Kind:  flagAuditKind,
		Limit: flagAuditLimit,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
