package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"

	orcaHand "orca_hand"

	"github.com/spf13/cobra"
)

var calibrateManual bool

var calibrateCmd = &cobra.Command{
	Use:   "calibrate [joint...]",
	Short: "Calibrate joints (all joints when none are named)",
	Long: `Calibrate finds each joint's tendon tension, range and zero.

Automatic calibration drives the actuators against their mechanical stops
at the calibration current. With --manual, torque stays off and you pose
each joint by hand when prompted.`,
	RunE: runCalibrate,
}

func init() {
	calibrateCmd.Flags().BoolVar(&calibrateManual, "manual", false, "pose joints by hand instead of driving them")
	rootCmd.AddCommand(calibrateCmd)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	var report orcaHand.CalibrationReport
	if calibrateManual {
		report, err = hand.CalibrateManual(ctx, stdinPrompter{reader: bufio.NewReader(os.Stdin)}, args...)
	} else {
		printInfo("Calibrating, keep the hand clear of obstacles...")
		report, err = hand.Calibrate(ctx, args...)
	}
	if err != nil {
		return printError("Calibration aborted", err)
	}

	for _, joint := range report.Calibrated {
		printSuccess("%s calibrated", joint)
	}
	failed := make([]string, 0, len(report.Failed))
	for joint := range report.Failed {
		failed = append(failed, joint)
	}
	sort.Strings(failed)
	for _, joint := range failed {
		red.Printf("✗ %s: %v\n", joint, report.Failed[joint])
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d joints failed calibration", len(failed))
	}
	return nil
}

// stdinPrompter waits for Enter on stdin.
type stdinPrompter struct {
	reader *bufio.Reader
}

func (p stdinPrompter) Prompt(ctx context.Context, message string) error {
	cyan.Printf("%s\n  press Enter when ready ", message)

	done := make(chan error, 1)
	go func() {
		_, err := p.reader.ReadString('\n')
		done <- err
	}()

	select {
	case <-ctx.Done():
		fmt.Println()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
