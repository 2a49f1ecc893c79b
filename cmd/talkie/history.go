package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/talkie-voice-lab/internal/config"
	"github.com/talkie-voice-lab/internal/history"
)

func init() {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent interactions as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			facts, _ := cmd.Flags().GetBool("facts")
			a, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			var out any
			if facts {
				out, err = a.store.ListFacts(cmd.Context(), limit)
			} else {
				out, err = a.store.ListRecent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	historyCmd.Flags().Int("limit", 20, "Maximum rows to print")
	historyCmd.Flags().Bool("facts", false, "List training facts instead of interactions")

	curateCmd := &cobra.Command{
		Use:   "curate",
		Short: "Reweight, exclude and prune stored interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := history.DefaultCuratorConfig()
			cc.DeleteOlderThan, _ = cmd.Flags().GetDuration("delete-older-than")
			cc.MaxInteractions, _ = cmd.Flags().GetInt("max-interactions")
			a, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.store.Curate(cmd.Context(), cc)
			if err != nil {
				return err
			}
			a.profile.Invalidate(cmd.Context(), "curate")
			return printJSON(cmd, res)
		},
	}
	curateCmd.Flags().Duration("delete-older-than", 0, "Delete interactions older than this (0 keeps all)")
	curateCmd.Flags().Int("max-interactions", history.DefaultCuratorConfig().MaxInteractions, "Keep at most this many interactions")

	factCmd := &cobra.Command{
		Use:   "fact <text>",
		Short: "Store a training fact about the user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			f, err := a.store.AddTrainingFact(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			a.profile.Invalidate(cmd.Context(), "fact")
			return printJSON(cmd, f)
		},
	}

	correctCmd := &cobra.Command{
		Use:   "correct <interaction-id> <text>",
		Short: "Record what the response to an interaction should have been",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.AddCorrection(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			a.profile.Invalidate(cmd.Context(), "correction")
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded correction for %s\n", args[0])
			return nil
		},
	}

	acceptCmd := &cobra.Command{
		Use:   "accept <interaction-id>",
		Short: "Mark a response as a good completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.AcceptCompletion(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.profile.Invalidate(cmd.Context(), "accept")
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted %s\n", args[0])
			return nil
		},
	}

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Write per-user tuning to the calibration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cal config.Calibration
			if cmd.Flags().Changed("min-length") {
				n, _ := cmd.Flags().GetInt("min-length")
				cal.MinTranscriptionLength = &n
			}
			if cmd.Flags().Changed("chunk-sec") {
				d, _ := cmd.Flags().GetFloat64("chunk-sec")
				d = min(config.MaxChunkDurationSec, max(config.MinChunkDurationSec, d))
				cal.ChunkDurationSec = &d
			}
			if cal.MinTranscriptionLength == nil && cal.ChunkDurationSec == nil {
				return fmt.Errorf("nothing to calibrate: pass --min-length or --chunk-sec")
			}
			if err := config.SaveCalibration(cfg.CalibrationPath, cal); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfg.CalibrationPath)
			return nil
		},
	}
	calibrateCmd.Flags().Int("min-length", 0, "Minimum transcript length in characters")
	calibrateCmd.Flags().Float64("chunk-sec", 0, "Capture chunk duration in seconds (clamped to 4..15)")

	rootCmd.AddCommand(historyCmd, curateCmd, factCmd, correctCmd, acceptCmd, calibrateCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
