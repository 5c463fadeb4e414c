package main

import (
	"context"

	"github.com/spf13/cobra"
)

var tensionHold bool

var tensionCmd = &cobra.Command{
	Use:   "tension",
	Short: "Keep every tendon taut until interrupted",
	Long: `tension runs the hand at the calibration current and nudges each actuator in its
flex direction until the tendon carries load. Use --hold to only energize the hand
without moving it. Ctrl-C stops the task and restores the configured mode.`,
	Args: cobra.NoArgs,
	RunE: runTension,
}

func init() {
	tensionCmd.Flags().BoolVar(&tensionHold, "hold", false, "hold position instead of pulling tendons taut")
	rootCmd.AddCommand(tensionCmd)
}

func runTension(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	if err := hand.Tension(ctx, !tensionHold); err != nil {
		return printError("Failed to start tensioning", err)
	}
	printSuccess("Tensioning, Ctrl-C to stop")
	<-ctx.Done()

	if err := hand.StopTask(context.Background()); err != nil {
		return printError("Tension task failed", err)
	}
	printSuccess("Tension task stopped")
	return nil
}
