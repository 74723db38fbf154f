package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the subschema subentry of each configured server",
		Long: `Read each server's subschema subentry and print its attribute and
object class definitions, useful for checking a template against the
schema the servers actually enforce.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, cleanup, err := a.targets()
			if err != nil {
				return err
			}
			defer cleanup()
			if len(targets) == 0 {
				return fmt.Errorf("schema requires at least one configured server")
			}

			for _, target := range targets {
				entry, err := target.Client.Schema(cmd.Context())
				if err != nil {
					return fmt.Errorf("server %s: %w", target.Name, err)
				}

				fmt.Printf("# %s: %s\n", target.Name, entry.DN)
				for _, attr := range []string{"attributeTypes", "objectClasses"} {
					for _, def := range entry.GetAttributeValues(attr) {
						fmt.Printf("%s: %s\n", attr, def)
					}
				}
			}
			return nil
		},
	}
}
