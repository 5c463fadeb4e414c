package main

import (
	"github.com/spf13/cobra"
)

var torqueCmd = &cobra.Command{
	Use:       "torque on|off",
	Short:     "Switch actuator torque",
	Long:      "torque on holds the current pose until interrupted; torque off releases every actuator.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE:      runTorque,
}

func init() {
	rootCmd.AddCommand(torqueCmd)
}

func runTorque(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	if args[0] == "off" {
		if err := hand.DisableTorque(ctx); err != nil {
			return printError("Failed to disable torque", err)
		}
		printSuccess("Torque disabled")
		return nil
	}

	if err := hand.EnableTorque(ctx); err != nil {
		return printError("Failed to enable torque", err)
	}
	printSuccess("Torque enabled, Ctrl-C to release")
	<-ctx.Done()
	return nil
}
