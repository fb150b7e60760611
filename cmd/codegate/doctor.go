package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/codegate/internal/doctor"
	"github.com/mattjoyce/codegate/internal/log"
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration, workspace root and providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, false)
			if err != nil {
				return err
			}
			log.SetupWriter(cmd.ErrOrStderr(), "error", cfg.Service.LogFormat)

			providers, problems, err := buildProviders(cfg, log.WithComponent("doctor"))
			if err != nil {
				return err
			}
			result := doctor.New(cfg, providers, problems).Validate()

			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return exitCodeError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}
