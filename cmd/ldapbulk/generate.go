package main

import (
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-bulkops/internal/engine"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		templatePath string
		start        int
		end          int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run a template over a number range",
		Long: `Expand the template once per integer in [start, end], binding the
current value to {COUNT}, and apply (or emit) the resulting changes.`,
		Example: `  ldapbulk generate -t newuser.ldif --start 1 --end 500
  ldapbulk generate -t newuser.ldif --start 1 --end 500 --generate -o changes.ldif`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			template, err := readTemplate(templatePath)
			if err != nil {
				return err
			}
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("start") {
				start = a.cfg.Run.Source.RangeStart
			}
			if !cmd.Flags().Changed("end") {
				end = a.cfg.Run.Source.RangeEnd
			}

			targets, cleanup, err := a.targets()
			if err != nil {
				return err
			}
			defer cleanup()

			events, finish, err := a.events()
			if err != nil {
				return err
			}

			summary, err := engine.NewExecutor(a.log).Run(cmd.Context(), &engine.RunSpec{
				Template: template,
				Source:   engine.NewRangeSource(start, end),
				Servers:  targets,
				Options:  opts,
				Events:   events,
			})
			finish(summary)
			if err != nil {
				return err
			}
			return a.report(summary)
		},
	}

	cmd.Flags().StringVarP(&templatePath, "template", "t", "", "LDIF change template file (- for stdin)")
	cmd.Flags().IntVar(&start, "start", 1, "first value of the range")
	cmd.Flags().IntVar(&end, "end", 1, "last value of the range, inclusive")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}
