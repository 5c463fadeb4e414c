package main

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	moveSteps    int
	moveStepSize float64
	moveHold     bool
	initCalib    bool
)

var moveCmd = &cobra.Command{
	Use:   "move joint=degrees [joint=degrees...]",
	Short: "Move joints to target angles",
	Example: `  orca move index_mcp=45 middle_mcp=30
  orca move --steps 50 wrist=-10`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMove,
}

var positionsCmd = &cobra.Command{
	Use:   "positions [joint...]",
	Short: "Print joint angles",
	RunE:  runPositions,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Enable torque, calibrate missing joints and move to the neutral pose",
	RunE:  runInit,
}

func init() {
	moveCmd.Flags().IntVar(&moveSteps, "steps", 0, "interpolation steps (0 uses the hand default)")
	moveCmd.Flags().Float64Var(&moveStepSize, "step-size", 0, "max degrees per step (0 uses the configured default)")
	moveCmd.Flags().BoolVar(&moveHold, "hold", false, "keep torque on until interrupted")
	initCmd.Flags().BoolVar(&initCalib, "calibrate", false, "recalibrate every joint")
	initCmd.Flags().BoolVar(&moveHold, "hold", false, "keep torque on until interrupted")
	rootCmd.AddCommand(moveCmd, positionsCmd, initCmd)
}

func parseTargets(args []string) (map[string]float64, error) {
	targets := make(map[string]float64, len(args))
	for _, arg := range args {
		joint, value, ok := strings.Cut(arg, "=")
		if !ok || joint == "" {
			return nil, errors.Errorf("expected joint=degrees, got %q", arg)
		}
		angle, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid angle for %s", joint)
		}
		targets[joint] = angle
	}
	return targets, nil
}

func runMove(cmd *cobra.Command, args []string) error {
	targets, err := parseTargets(args)
	if err != nil {
		return printError("Invalid move target", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	if err := hand.EnableTorque(ctx); err != nil {
		return printError("Failed to enable torque", err)
	}
	result, err := hand.SetJointPositions(ctx, targets, moveSteps, moveStepSize)
	if err != nil {
		if result != nil {
			printWarning("Stopped after %d of %d steps", result.StepsExecuted, result.StepsPlanned)
		}
		return printError("Move failed", err)
	}
	printSuccess("Reached target in %d steps", result.StepsExecuted)
	printAngles(result.Reached)

	if moveHold {
		printInfo("Holding position, Ctrl-C to release")
		<-ctx.Done()
	}
	return nil
}

func runPositions(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	positions, err := hand.GetJointPositions(ctx, args...)
	if err != nil {
		return printError("Failed to read joint positions", err)
	}
	printAngles(positions)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	if err := hand.InitJoints(ctx, initCalib); err != nil {
		return printError("Joint initialization failed", err)
	}
	printSuccess("Joints initialized")

	if moveHold {
		printInfo("Holding position, Ctrl-C to release")
		<-ctx.Done()
	}
	return nil
}
