package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	orcaHand "orca_hand"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
)

var (
	configPath string
	useSim     bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "orca",
	Short: "orca - command line control for an ORCA tendon-driven hand",
	Long: `orca connects to an ORCA hand described by a YAML hand model and runs
one lifecycle operation: status, calibration, motion, torque or diagnostics.

Use --sim to run any command against a simulated hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

func init() {
	defaultConfig := os.Getenv("ORCA_HAND_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "models/orcahand_v1.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to the hand model YAML")
	rootCmd.PersistentFlags().BoolVar(&useSim, "sim", false, "use a simulated hand instead of the serial bus")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// signalContext is cancelled on Ctrl-C so long operations stop cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger() logging.Logger {
	logger := logging.NewLogger("orca-cli")
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

func simCalibrationFile() string {
	return filepath.Join(os.TempDir(), "orca_sim_calibration.json")
}

// openHand loads the hand model and connects. The returned func disconnects.
func openHand(ctx context.Context) (*orcaHand.HandController, func(), error) {
	cfg, warnings, err := orcaHand.LoadHandConfig(configPath)
	if err != nil {
		return nil, nil, printError("Failed to load hand model", err)
	}
	for _, w := range warnings {
		printWarning("%s", w)
	}
	if useSim {
		// sim calibration lives in a scratch file so later commands can move
		cfg.Transport = orcaHand.TransportSim
		cfg.CalibrationFile = simCalibrationFile()
		cfg.RedisURL = ""
	}

	logger := newLogger()
	hand, err := orcaHand.NewHandController(cfg, logger, orcaHand.WithPortRegistry(orcaHand.NewPortRegistry()))
	if err != nil {
		return nil, nil, printError("Failed to create hand controller", err)
	}

	ok, detail := hand.Connect(ctx)
	if !ok {
		return nil, nil, printError(detail, nil)
	}
	printSuccess("%s", detail)

	closeHand := func() {
		if err := hand.Close(context.Background()); err != nil {
			printWarning("Disconnect failed: %v", err)
		}
	}
	return hand, closeHand, nil
}

func printAngles(angles map[string]float64) {
	names := make([]string, 0, len(angles))
	for name := range angles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-14s %8.2f°\n", name, angles[name])
	}
}
