package main

import (
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-bulkops/internal/engine"
)

func newMembersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage group membership in bulk",
	}

	var userBase string
	cmd.PersistentFlags().StringVar(&userBase, "user-base", "", "subtree member lookups search under (default: server base DN)")

	run := func(cmd *cobra.Command, groupDN string, members []string, add bool) error {
		opts, err := a.options(cmd)
		if err != nil {
			return err
		}
		if userBase == "" {
			userBase = a.cfg.Run.UserBaseDN
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

		summary, err := engine.NewExecutor(a.log).RunMembership(cmd.Context(), &engine.MembershipSpec{
			GroupDN:    groupDN,
			Members:    members,
			Add:        add,
			UserBaseDN: userBase,
			Servers:    targets,
			Options:    opts,
			Events:     events,
		})
		finish(summary)
		if err != nil {
			return err
		}
		return a.report(summary)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "add <group-dn> <uid>...",
			Short:   "Add users to a group",
			Example: `  ldapbulk members add cn=staff,ou=groups,dc=example,dc=com jdoe asmith`,
			Args:    cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, args[0], args[1:], true)
			},
		},
		&cobra.Command{
			Use:     "remove <group-dn> <uid>...",
			Short:   "Remove users from a group",
			Example: `  ldapbulk members remove cn=staff,ou=groups,dc=example,dc=com jdoe`,
			Args:    cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, args[0], args[1:], false)
			},
		},
	)
	return cmd
}
