package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Pablovelazquezb/electro"
)

const tariffTimeLayout = "2006-01-02T15:04"

type tariffOutput struct {
	At      string                `json:"at"`
	Weekday string                `json:"weekday"`
	Tariff  electro.Tariff        `json:"tariff"`
	Details electro.TariffDetails `json:"details"`
}

func newTariffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tariff [YYYY-MM-DDTHH:MM]",
		Short: "Show the tariff in effect at a wall-clock time, now by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now()
			if len(args) == 1 {
				var err error
				at, err = time.Parse(tariffTimeLayout, args[0])
				if err != nil {
					return errors.Wrapf(err, "invalid time %q, use %s", args[0], tariffTimeLayout)
				}
			}
			tariff := electro.Classify(at)
			details, _ := electro.TariffInfo(tariff)
			return printJSON(os.Stdout, &tariffOutput{
				At:      at.Format(tariffTimeLayout),
				Weekday: at.Weekday().String(),
				Tariff:  tariff,
				Details: details,
			})
		},
	}
}
