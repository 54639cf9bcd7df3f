package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blufio/blufio/internal/config"
	"github.com/blufio/blufio/internal/store"
	"github.com/blufio/blufio/internal/vault"
)

func newDoctorCommand() *cobra.Command {
	var deep, plain bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the daemon's storage, vault, and skill state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), deep, plain)
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "run slower integrity checks")
	cmd.Flags().BoolVar(&plain, "plain", false, "plain ASCII output")
	return cmd
}

type doctorReport struct {
	plain  bool
	failed bool
}

func (d *doctorReport) check(name string, err error) {
	okMark, failMark := "✓", "✗"
	if d.plain {
		okMark, failMark = "OK", "FAIL"
	}
	if err != nil {
		d.failed = true
		fmt.Printf("%s %s: %v\n", failMark, name, err)
		return
	}
	fmt.Printf("%s %s\n", okMark, name)
}

func runDoctor(ctx context.Context, deep, plain bool) error {
	report := &doctorReport{plain: plain}

	cfg, err := config.Load(configPath)
	report.check("configuration loads", err)
	if err != nil {
		return fmt.Errorf("doctor found problems")
	}

	st, err := store.Open(ctx, cfg.Storage.DatabasePath)
	report.check("store opens", err)
	if err != nil {
		return fmt.Errorf("doctor found problems")
	}
	defer st.Close()

	_, err = st.ListActiveSessions(ctx, 1)
	report.check("sessions table readable", err)

	skills, err := st.ListSkills(ctx)
	report.check(fmt.Sprintf("installed skills readable (%d installed)", len(skills)), err)

	exists, err := vault.Exists(ctx, st)
	report.check("vault metadata readable", err)
	if err == nil && exists {
		if pass, ok := config.VaultPassphraseFromEnv(); ok {
			v, err := vault.Unlock(ctx, st, pass)
			report.check("vault unlocks with environment passphrase", err)
			if err == nil {
				v.Lock()
			}
		} else {
			report.check("vault present (no passphrase in environment, unlock not tested)", nil)
		}
	} else if err == nil {
		report.check("no vault created yet", nil)
	}

	if deep {
		var result string
		err := st.DB().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result)
		if err == nil && result != "ok" {
			err = fmt.Errorf("integrity_check reported %q", result)
		}
		report.check("database integrity", err)

		var n int
		err = st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM memories_fts").Scan(&n)
		report.check(fmt.Sprintf("full-text index readable (%d entries)", n), err)
	}

	if report.failed {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}
