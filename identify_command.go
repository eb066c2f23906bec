package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clalos/cardscan/internal/frame"
	"github.com/clalos/cardscan/internal/imageproc"
)

func newIdentifyCommand(ctx *commandContext) *cobra.Command {
	var condition string
	var printing string
	var fullFrame bool

	cmd := &cobra.Command{
		Use:   "identify <image>",
		Short: "Identify the card in a still image",
		Long: `Run a single recognition pass over a photo of a card and print the ranked
candidates.

Examples:
  cardscan identify card.jpg
  cardscan identify --full-frame scan.png
  cardscan identify --condition LP --printing Foil card.webp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			source := frame.NewStillSource(strings.TrimSpace(args[0]))
			p, err := buildPipeline(runCtx, cfg, source, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			if fullFrame {
				if err := p.controller.ConfigureROI(imageproc.FullFrame); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("condition") || cmd.Flags().Changed("printing") {
				if !cmd.Flags().Changed("condition") {
					condition = cfg.Scan.Condition
				}
				if !cmd.Flags().Changed("printing") {
					printing = cfg.Scan.Printing
				}
				p.controller.SetFilters(condition, printing)
			}

			report, err := p.controller.ScanOnce(runCtx)
			if err != nil {
				return err
			}
			if err := newPrinter(cmd.OutOrStdout()).report(report); err != nil {
				return err
			}
			return report.Err
		},
	}

	cmd.Flags().StringVar(&condition, "condition", "", "Preferred condition for prices (NM, LP, MP, HP, DMG)")
	cmd.Flags().StringVar(&printing, "printing", "", "Preferred printing for prices (Normal, Foil)")
	cmd.Flags().BoolVar(&fullFrame, "full-frame", false, "Read the whole image instead of the title band")
	return cmd
}
