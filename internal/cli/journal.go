package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"supertrend-trader/internal/journal"
	"supertrend-trader/pkg/utils"
)

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List recorded trades",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		trades, err := j.Trades(ctx, journalLimit)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			fmt.Println("No trades recorded.")
			return nil
		}

		fmt.Printf("%-22s %-10s %-5s %8s %10s %10s %12s  %s\n",
			"TRADE", "ROOT", "SIDE", "STRIKE", "ENTRY", "EXIT", "PNL", "REASON")
		for _, t := range trades {
			exit := "-"
			pnl := "-"
			reason := "open"
			if t.Closed() {
				exit = fmt.Sprintf("%.2f", t.ExitPrice)
				pnl = utils.FormatIndianCurrency(t.RealizedPnL)
				reason = t.ExitReason
			}
			fmt.Printf("%-22s %-10s %-5s %8.0f %10.2f %10s %12s  %s\n",
				t.TradeID, t.Root, t.Side, t.Strike, t.EntryPrice, exit, pnl, reason)
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().IntVar(&journalLimit, "limit", 20, "maximum trades to list")
}
