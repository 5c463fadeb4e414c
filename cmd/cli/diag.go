package main

import (
	"fmt"
	"sort"
	"time"

	orcaHand "orca_hand"

	"github.com/spf13/cobra"
)

var (
	scanBaudrate int
	scanMaxID    int
)

var tempsCmd = &cobra.Command{
	Use:   "temps",
	Short: "Print actuator temperatures and currents",
	RunE:  runTemps,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Ping Dynamixel ids on every USB serial port",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanBaudrate, "baudrate", 3000000, "bus baudrate")
	scanCmd.Flags().IntVar(&scanMaxID, "max-id", 20, "highest id to ping")
	rootCmd.AddCommand(tempsCmd, scanCmd)
}

func runTemps(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	hand, closeHand, err := openHand(ctx)
	if err != nil {
		return err
	}
	defer closeHand()

	temps, err := hand.MotorTemperatures(ctx)
	if err != nil {
		printWarning("Temperatures unavailable: %v", err)
	}
	currents, err := hand.MotorCurrents(ctx)
	if err != nil {
		return printError("Failed to read currents", err)
	}

	ids := make([]int, 0, len(currents))
	for id := range currents {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	printHeader("  id  joint           temp   current")
	joints := hand.Joints()
	for _, id := range ids {
		joint, _ := joints.JointForActuator(id)
		temp := "-"
		if t, ok := temps[id]; ok {
			temp = fmt.Sprintf("%d°C", t)
		}
		fmt.Printf("  %2d  %-14s %6s %8d\n", id, joint, temp, currents[id])
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	logger := newLogger()
	ports := orcaHand.CandidatePorts()
	if len(ports) == 0 {
		printWarning("No USB serial ports found")
		return nil
	}

	ids := make([]int, 0, scanMaxID)
	for id := 1; id <= scanMaxID; id++ {
		ids = append(ids, id)
	}

	for _, port := range ports {
		bus := orcaHand.NewDynamixelBus(port, scanBaudrate, 50*time.Millisecond, nil, logger)
		if err := bus.Open(ctx); err != nil {
			printWarning("%s: %v", port, err)
			continue
		}
		res := bus.Ping(ctx, ids)
		bus.Close()

		if len(res.Succeeded) == 0 {
			printInfo("%s: no actuators", port)
			continue
		}
		printSuccess("%s: %d actuators %v", port, len(res.Succeeded), res.Succeeded)
	}
	return nil
}
