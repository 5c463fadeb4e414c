package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect and show joint calibration and positions",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	status := hand.Status()
	printHeader("Hand (mode %s, torque %v)", status.ControlMode, status.TorqueEnabled)

	names := make([]string, 0, len(status.Joints))
	for name := range status.Joints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := status.Joints[name]
		line := fmt.Sprintf("  %-14s %s", name, state)
		if state == "calibrated" {
			green.Println(line)
		} else {
			yellow.Println(line)
		}
	}

	positions, err := hand.GetJointPositions(ctx)
	if err != nil {
		return printError("Failed to read joint positions", err)
	}
	if len(positions) == 0 {
		printWarning("No calibrated joints, run 'orca calibrate' first")
		return nil
	}
	printHeader("Positions")
	printAngles(positions)
	return nil
}
