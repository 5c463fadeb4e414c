package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	replaySteps int
	replayLoops int
)

var replayCmd = &cobra.Command{
	Use:   "replay file.yaml",
	Short: "Loop through recorded joint waypoints",
	Long: `replay reads a YAML file of waypoints and moves through them in order,
wrapping back to the first one:

  waypoints:
    - {index_mcp: 0, middle_mcp: 0}
    - {index_mcp: 60, middle_mcp: 45}

With --loops 0 it runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().IntVar(&replaySteps, "steps", 0, "interpolation steps between waypoints (0 uses the hand default)")
	replayCmd.Flags().IntVar(&replayLoops, "loops", 1, "number of passes, 0 for forever")
	rootCmd.AddCommand(replayCmd)
}

type replayFile struct {
	Waypoints []map[string]float64 `yaml:"waypoints"`
}

func loadReplay(path string) ([]map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f replayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if len(f.Waypoints) == 0 {
		return nil, errors.Errorf("%s has no waypoints", path)
	}
	return f.Waypoints, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	waypoints, err := loadReplay(args[0])
	if err != nil {
		return printError("Failed to load replay", err)
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

	for pass := 1; replayLoops == 0 || pass <= replayLoops; pass++ {
		for i, waypoint := range waypoints {
			if ctx.Err() != nil {
				printInfo("Replay interrupted")
				return nil
			}
			if _, err := hand.SetJointPositions(ctx, waypoint, replaySteps, 0); err != nil {
				if ctx.Err() != nil {
					printInfo("Replay interrupted")
					return nil
				}
				return printError("Replay failed", errors.Wrapf(err, "waypoint %d", i+1))
			}
		}
		printInfo("Pass %d complete", pass)
	}
	printSuccess("Replay finished")
	return nil
}
