package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/isometry/ldap-bulkops/internal/engine"
	"github.com/isometry/ldap-bulkops/internal/ldif"
)

func newImportCmd(a *app) *cobra.Command {
	var (
		templatePath string
		csvPath      string
		ldifPath     string
		skipHeader   bool
		trimQuotes   bool
		comma        string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run changes from a CSV file or an LDIF change file",
		Long: `With --csv, expand the template once per row, binding the columns to
{C1}..{Cn} in order. With --ldif, apply the change records of the file
directly, one subject per record, no template involved.`,
		Example: `  ldapbulk import -t newuser.ldif --csv users.csv --skip-header
  ldapbulk import -t newuser.ldif --csv users.csv --comma ';' --generate
  ldapbulk import --ldif changes.ldif --continue-on-error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}

			spec := &engine.RunSpec{Options: opts}
			switch {
			case ldifPath != "":
				if templatePath != "" || csvPath != "" {
					return fmt.Errorf("--ldif cannot be combined with --template or --csv")
				}
				f, err := os.Open(ldifPath)
				if err != nil {
					return fmt.Errorf("failed to open change file: %w", err)
				}
				records, err := ldif.Parse(f)
				_ = f.Close()
				if err != nil {
					return fmt.Errorf("failed to parse change file %s: %w", ldifPath, err)
				}
				if len(records) == 0 {
					return fmt.Errorf("change file %s contains no records", ldifPath)
				}
				spec.Records = records

			default:
				if templatePath == "" {
					return fmt.Errorf("a template (--template) or a change file (--ldif) is required")
				}
				template, err := readTemplate(templatePath)
				if err != nil {
					return err
				}

				srcCfg := a.cfg.Run.Source.CSVConfig()
				if cmd.Flags().Changed("skip-header") {
					srcCfg.SkipHeader = skipHeader
				}
				if cmd.Flags().Changed("trim-quotes") {
					srcCfg.TrimQuotes = trimQuotes
				}
				if cmd.Flags().Changed("comma") && comma != "" {
					srcCfg.Comma = rune(comma[0])
				}
				if csvPath == "" {
					csvPath = a.cfg.Run.Source.CSVPath
				}
				if csvPath == "" {
					return fmt.Errorf("a CSV input file is required")
				}

				spec.Template = template
				spec.Source = engine.NewCSVSource(func() (io.ReadCloser, error) {
					return os.Open(csvPath)
				}, srcCfg)
			}

			targets, cleanup, err := a.targets()
			if err != nil {
				return err
			}
			defer cleanup()
			spec.Servers = targets

			events, finish, err := a.events()
			if err != nil {
				return err
			}
			spec.Events = events

			summary, err := engine.NewExecutor(a.log).Run(cmd.Context(), spec)
			finish(summary)
			if err != nil {
				return err
			}
			return a.report(summary)
		},
	}

	cmd.Flags().StringVarP(&templatePath, "template", "t", "", "LDIF change template file (- for stdin)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV input file")
	cmd.Flags().StringVar(&ldifPath, "ldif", "", "LDIF change file to apply directly")
	cmd.Flags().BoolVar(&skipHeader, "skip-header", false, "skip the first row")
	cmd.Flags().BoolVar(&trimQuotes, "trim-quotes", false, "strip literal surrounding quotes from fields")
	cmd.Flags().StringVar(&comma, "comma", "", "field separator (default ',')")
	return cmd
}
