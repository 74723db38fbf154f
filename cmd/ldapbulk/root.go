package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isometry/ldap-bulkops/internal/activity"
	"github.com/isometry/ldap-bulkops/internal/config"
	"github.com/isometry/ldap-bulkops/internal/engine"
	"github.com/isometry/ldap-bulkops/internal/ldap"
)

// app carries the state shared by all subcommands.
type app struct {
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger

	// flag overrides, applied over the loaded configuration when set
	generate         bool
	continueOnError  bool
	permissiveModify bool
	noOperation      bool
	outPath          string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "ldapbulk",
		Short: "Bulk directory mutations from templates and entry sources",
		Long: `ldapbulk expands an LDIF change template once per subject from an
entry source (number range, CSV file, search result, group members) and
applies the resulting changes to one or more directory servers, or
writes them to an LDIF change file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./ldapbulk.yaml)")
	pf.BoolVar(&a.generate, "generate", false, "write an LDIF change file instead of executing")
	pf.BoolVar(&a.continueOnError, "continue-on-error", false, "keep going past failed subjects")
	pf.BoolVar(&a.permissiveModify, "permissive-modify", false, "require the permissive-modify control on every modify")
	pf.BoolVar(&a.noOperation, "no-operation", false, "require the no-operation control, evaluating changes without applying them")
	pf.StringVarP(&a.outPath, "out", "o", "", "change file destination in generate mode (default stdout)")

	cmd.AddCommand(
		newGenerateCmd(a),
		newImportCmd(a),
		newMembersCmd(a),
		newEditCmd(a),
		newSchemaCmd(a),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := cfg.Logging.Build()
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// options merges the configured run options with command-line overrides.
func (a *app) options(cmd *cobra.Command) (engine.RunOptions, error) {
	opts, err := a.cfg.Run.Options()
	if err != nil {
		return opts, err
	}

	flags := cmd.Flags()
	if a.generate {
		opts.Mode = engine.ModeGenerate
	}
	if flags.Changed("continue-on-error") {
		opts.ContinueOnError = a.continueOnError
	}
	if flags.Changed("permissive-modify") {
		opts.PermissiveModify = a.permissiveModify
	}
	if flags.Changed("no-operation") {
		opts.NoOperation = a.noOperation
	}
	return opts, nil
}

// targets builds one connected client per configured server. The
// returned cleanup closes them all.
func (a *app) targets() ([]*engine.ServerTarget, func(), error) {
	var out []*engine.ServerTarget
	cleanup := func() {
		for _, t := range out {
			if t.Client != nil {
				_ = t.Client.Close()
			}
		}
	}

	for i := range a.cfg.Servers {
		s := &a.cfg.Servers[i]
		client, err := ldap.NewClient(&s.Config, a.log.Named(s.Name))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("server %s: %w", s.Name, err)
		}
		out = append(out, &engine.ServerTarget{
			Name:   s.Name,
			BaseDN: s.BaseDN,
			Client: client,
		})
	}
	return out, cleanup, nil
}

// events wires the optional activity log into the run.
func (a *app) events() (engine.EventFunc, func(*engine.Summary), error) {
	if a.cfg.Activity.Path == "" {
		return nil, func(*engine.Summary) {}, nil
	}
	log, err := activity.Open(a.cfg.Activity.Path)
	if err != nil {
		return nil, nil, err
	}
	finish := func(s *engine.Summary) {
		if s != nil {
			_ = log.RecordSummary(s)
		}
		_ = log.Close()
	}
	return log.Recorder(), finish, nil
}

// report prints the outcome, emits the change file in generate mode and
// converts partial failure into a process error.
func (a *app) report(summary *engine.Summary) error {
	if summary.Mode == engine.ModeGenerate {
		text := summary.ChangeFile()
		if a.outPath != "" {
			if err := os.WriteFile(a.outPath, []byte(text), 0o644); err != nil {
				return fmt.Errorf("failed to write change file: %w", err)
			}
			fmt.Printf("wrote %s\n", a.outPath)
		} else {
			fmt.Print(text)
		}
	}

	for i := range summary.Servers {
		o := &summary.Servers[i]
		fmt.Fprintf(os.Stderr, "%s: %d succeeded, %d failed", o.Server, o.Succeeded, o.Failed)
		if o.Skipped > 0 {
			fmt.Fprintf(os.Stderr, ", %d skipped", o.Skipped)
		}
		if o.Aborted {
			fmt.Fprint(os.Stderr, " (aborted)")
		}
		fmt.Fprintln(os.Stderr)
		for _, d := range o.Diagnostics {
			fmt.Fprintln(os.Stderr, "  "+d)
		}
	}

	if summary.State == engine.StateAborted {
		return fmt.Errorf("run %s aborted", summary.RunID)
	}
	if summary.Failed() > 0 {
		return fmt.Errorf("run %s completed with %d failed subjects", summary.RunID, summary.Failed())
	}
	return nil
}

// readTemplate loads the change template, from stdin when path is "-".
func readTemplate(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read template from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}
	return string(data), nil
}
