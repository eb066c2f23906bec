package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clalos/cardscan/internal/scan"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var device string
	var condition string
	var printing string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan cards continuously from the camera",
		Long: `Open the camera and identify cards held in front of it until interrupted.

Each pass reads the card title, searches the catalog and prints the match.
Identical consecutive titles are not searched again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if device = strings.TrimSpace(device); device != "" {
				cfg.Camera.Device = device
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(runCtx, cfg, newCameraSource(cfg, logger), logger)
			if err != nil {
				return err
			}
			defer p.Close()

			if cmd.Flags().Changed("condition") || cmd.Flags().Changed("printing") {
				if !cmd.Flags().Changed("condition") {
					condition = cfg.Scan.Condition
				}
				if !cmd.Flags().Changed("printing") {
					printing = cfg.Scan.Printing
				}
				p.controller.SetFilters(condition, printing)
			}

			updates, unsubscribe := p.controller.Subscribe()
			defer unsubscribe()

			if err := p.controller.Start(runCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			err = watchScan(runCtx, updates, newPrinter(cmd.OutOrStdout()))
			m := p.controller.Metrics()
			logger.Info("scan finished",
				"passes", m.Passes,
				"matches", m.Matches,
				"no_text", m.NoText,
				"search_errors", m.SearchErrors,
				"skipped", m.Skipped,
				"avg_pass_time", m.AvgPassTime,
			)
			return err
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "Camera device index or stream URL")
	cmd.Flags().StringVar(&condition, "condition", "", "Preferred condition for prices (NM, LP, MP, HP, DMG)")
	cmd.Flags().StringVar(&printing, "printing", "", "Preferred printing for prices (Normal, Foil)")
	return cmd
}

// watchScan prints snapshots until ctx ends or the controller fails.
func watchScan(ctx context.Context, updates <-chan scan.Snapshot, out *printer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := out.snapshot(snap); err != nil {
				return err
			}
			if snap.State == scan.StateError {
				return fmt.Errorf("scan stopped: %s", snap.Message)
			}
		}
	}
}
