package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	askJSON       bool
	askTimeoutSec int
)

var askCmd = &cobra.Command{
	Use:   "ask <file> <question>",
	Short: "Ask one question about a dataset",
	Example: `  datachat ask sales.csv "Plot total sales by month"
  datachat ask sales.xlsx "Why did sales drop in March?" --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.TrimSpace(strings.Join(args[1:], " "))
		if question == "" {
			return fmt.Errorf("question is required")
		}
		a, err := openDataset(args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if askTimeoutSec > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(askTimeoutSec)*time.Second)
			defer cancel()
		}
		resp := a.Run(ctx, question)
		return printResponse(os.Stdout, resp, askJSON)
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full response envelope as JSON")
	askCmd.Flags().IntVar(&askTimeoutSec, "timeout-sec", 300, "overall time limit for the turn (0 = none)")
}
