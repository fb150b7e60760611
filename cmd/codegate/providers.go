package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/codegate/internal/log"
)

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List providers and whether their binaries are on PATH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, true)
			if err != nil {
				return err
			}
			log.SetupWriter(cmd.ErrOrStderr(), "warn", cfg.Service.LogFormat)

			providers, _, err := buildProviders(cfg, log.WithComponent("providers"))
			if err != nil {
				return err
			}
			list := providers.List()

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"providers": list})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tBINARY\tAVAILABLE\tDEFAULT")
			for _, p := range list {
				def := ""
				if p.Name == cfg.Defaults.Provider {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Binary, p.Available, def)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}
