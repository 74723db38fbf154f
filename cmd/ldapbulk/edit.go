package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isometry/ldap-bulkops/internal/engine"
	"github.com/isometry/ldap-bulkops/internal/ldap"
)

func newEditCmd(a *app) *cobra.Command {
	var (
		templatePath string
		searchBase   string
		filter       string
		attributes   []string
	)

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Run a template over the results of a directory search",
		Long: `Search the first configured server, then expand the template once per
matching entry, binding {DN} and one placeholder per returned attribute
(first value only), and apply (or emit) the resulting changes on every
configured server.`,
		Example: `  ldapbulk edit -t set-ou.ldif --filter '(departmentNumber=42)' --attr uid --attr cn`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			template, err := readTemplate(templatePath)
			if err != nil {
				return err
			}
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			if filter == "" {
				filter = a.cfg.Run.Source.SearchFilter
			}
			if filter == "" {
				return fmt.Errorf("a search filter is required")
			}
			if searchBase == "" {
				searchBase = a.cfg.Run.Source.SearchBase
			}
			if len(attributes) == 0 {
				attributes = a.cfg.Run.Source.SearchAttributes
			}

			targets, cleanup, err := a.targets()
			if err != nil {
				return err
			}
			defer cleanup()
			if len(targets) == 0 {
				return fmt.Errorf("edit requires at least one configured server")
			}

			// The subject set comes from one search against the first
			// server; the run then applies it to all of them.
			primary := targets[0]
			base := searchBase
			if base == "" {
				base = primary.BaseDN
			}
			if base == "" {
				contexts, err := primary.Client.NamingContexts(cmd.Context())
				if err != nil || len(contexts) == 0 {
					return fmt.Errorf("no search base configured and none discoverable: %w", err)
				}
				base = contexts[0]
			}

			result, err := primary.Client.Search(cmd.Context(), &ldap.SearchRequest{
				BaseDN:     base,
				Scope:      ldap.ScopeWholeSubtree,
				Filter:     filter,
				Attributes: attributes,
			})
			if err != nil {
				return fmt.Errorf("search on %s failed: %w", primary.Name, err)
			}
			a.log.Info("search completed",
				zap.String("server", primary.Name),
				zap.String("filter", filter),
				zap.Int("entries", len(result.Entries)))

			events, finish, err := a.events()
			if err != nil {
				return err
			}

			summary, err := engine.NewExecutor(a.log).Run(cmd.Context(), &engine.RunSpec{
				Template: template,
				Source:   engine.NewSearchSource(result.Entries),
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
	cmd.Flags().StringVar(&searchBase, "base", "", "search base DN (default: server base DN)")
	cmd.Flags().StringVar(&filter, "filter", "", "LDAP search filter selecting the subjects")
	cmd.Flags().StringArrayVar(&attributes, "attr", nil, "attribute to fetch and bind (repeatable)")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}
