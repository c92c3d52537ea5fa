package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arbiterlabs/arbiter/internal/agent"
	"github.com/arbiterlabs/arbiter/internal/encoder"
	"github.com/arbiterlabs/arbiter/internal/registry"
	"github.com/arbiterlabs/arbiter/internal/replay"
)

var (
	// Global flags
	checkpointPath string
	providersFile  string
	verbose        bool

	// Training flags
	batchSize int
	epochs    int
	seed      int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routectl",
		Short: "Admin tool for the adaptive routing engine",
		Long: `Operational tooling for the routing agent: inspect and export
checkpoints, validate provider configs, and train offline from recorded
experience logs.`,
	}

	rootCmd.PersistentFlags().StringVarP(&checkpointPath, "checkpoint", "k", "agent.ckpt", "Agent checkpoint file")
	rootCmd.PersistentFlags().StringVarP(&providersFile, "providers", "p", "", "Provider config file (JSON)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(trainCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// showCmd prints a checkpoint summary
func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show checkpoint training state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := agent.LoadCheckpoint(checkpointPath)
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}

			fmt.Printf("=== Agent Checkpoint ===\n")
			fmt.Printf("File:        %s\n", checkpointPath)
			fmt.Printf("Format:      v%d\n", cp.FormatVersion)
			fmt.Printf("State dim:   %d\n", cp.StateDim)
			fmt.Printf("Actions:     %d\n", len(cp.Actions))
			fmt.Printf("Phase:       %s\n", cp.Phase)
			fmt.Printf("Epsilon:     %.4f\n", cp.Epsilon)
			fmt.Printf("Train steps: %d\n", cp.TrainSteps)
			fmt.Printf("Digest:      %s\n", cp.Digest)

			if verbose {
				fmt.Printf("\nAction space:\n")
				for i, a := range cp.Actions {
					fmt.Printf("  [%3d] %s/%s\n", i, a.Provider, a.Model)
				}
			}
			return nil
		},
	}
}

// exportCmd dumps the full checkpoint as indented JSON
func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export checkpoint as indented JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := agent.LoadCheckpoint(checkpointPath)
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}

			data, err := json.MarshalIndent(cp, "", "  ")
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return err
			}
			fmt.Printf("Exported to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

// actionsCmd validates a provider config and prints the resulting action space
func actionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "Print the action space a provider config produces",
		Long: `Builds the provider x model action space from a config file. The
ordering shown here is what a trained checkpoint is bound to: changing it
invalidates saved weights.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			providers, err := loadProviders(providersFile)
			if err != nil {
				return err
			}
			space := agent.BuildActionSpace(providers)

			fmt.Printf("%d providers, %d actions, state dim %d\n\n",
				len(providers), space.Size(), encoder.StateDim)
			for i, a := range space.Actions {
				fmt.Printf("  [%3d] %s/%s\n", i, a.Provider, a.Model)
			}
			return nil
		},
	}
}

// trainCmd runs offline training from a JSONL experience log
func trainCmd() *cobra.Command {
	var experiencesFile string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the agent offline from a recorded experience log",
		Long: `Reads experiences (one JSON object per line) into a replay buffer
and runs batched TD updates. Starts from the checkpoint when one exists and
is compatible, otherwise from fresh weights, and saves back when done.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			providers, err := loadProviders(providersFile)
			if err != nil {
				return err
			}
			space := agent.BuildActionSpace(providers)
			if space.Size() == 0 {
				return fmt.Errorf("provider config produces an empty action space")
			}

			cfg := agent.DefaultConfig()
			cfg.Seed = seed
			a, err := agent.New(encoder.StateDim, space, cfg)
			if err != nil {
				return err
			}

			if cp, err := agent.LoadCheckpoint(checkpointPath); err == nil {
				if err := a.Restore(cp); err != nil {
					return fmt.Errorf("checkpoint incompatible with provider config: %w", err)
				}
				fmt.Printf("Resuming from %s (%d train steps)\n", checkpointPath, cp.TrainSteps)
			}

			buffer, n, err := loadExperiences(experiencesFile, seed)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d experiences\n", n)

			for epoch := 0; epoch < epochs; epoch++ {
				steps := n / batchSize
				if steps == 0 {
					steps = 1
				}
				totalErr := 0.0
				for i := 0; i < steps; i++ {
					k := batchSize
					if size := buffer.Size(); size < k {
						k = size
					}
					batch, err := buffer.Sample(k)
					if err != nil {
						return fmt.Errorf("sampling failed: %w", err)
					}
					tdErr, err := a.Train(batch)
					if err != nil {
						return err
					}
					totalErr += tdErr
				}
				stats := a.Stats()
				fmt.Printf("epoch %d: mean TD error %.4f, epsilon %.4f, phase %s\n",
					epoch+1, totalErr/float64(steps), stats.Epsilon, stats.Phase)
			}

			if err := a.Save(checkpointPath); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
			fmt.Printf("Saved checkpoint to %s\n", checkpointPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&experiencesFile, "experiences", "e", "", "JSONL experience log (required)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 32, "Training batch size")
	cmd.Flags().IntVar(&epochs, "epochs", 1, "Passes over the experience log")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.MarkFlagRequired("experiences")
	return cmd
}

func loadProviders(path string) ([]registry.Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("--providers is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers: %w", err)
	}
	var providers []registry.Provider
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("failed to parse providers: %w", err)
	}
	return providers, nil
}

func loadExperiences(path string, seed int64) (*replay.Buffer, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open experiences: %w", err)
	}
	defer f.Close()

	buffer := replay.New(1<<20, seed)
	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var exp replay.Experience
		if err := json.Unmarshal(line, &exp); err != nil {
			return nil, 0, fmt.Errorf("bad experience on line %d: %w", n+1, err)
		}
		if len(exp.State) != encoder.StateDim {
			return nil, 0, fmt.Errorf("experience on line %d has state dim %d, want %d",
				n+1, len(exp.State), encoder.StateDim)
		}
		buffer.Add(exp)
		n++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, 0, fmt.Errorf("no experiences in %s", path)
	}
	return buffer, n, nil
}
