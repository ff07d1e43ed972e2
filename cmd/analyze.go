package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/datachat/internal/analysis"
	"github.com/KaramelBytes/datachat/internal/dataset"
)

var (
	anaOutputPath string
	anaSampleRows int
	anaGroupBy    []string
	anaCorr       bool
	anaOutliers   bool
	anaOutlierThr float64
	anaTopValues  int
	anaRaw        bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Profile a CSV/XLS/XLSX dataset as a Markdown summary",
	Long: `Load a dataset the same way ask and chat do (canonical column names, date and
numeric preprocessing) and print the statistical profile the explanation agent sees.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		path := args[0]
		key := dataset.KeyFromPath(path)
		store := dataset.NewStore(logger)
		if err := store.Load(map[string]string{key: path}); err != nil {
			return err
		}
		if !anaRaw {
			if _, err := store.Preprocess(c.PreprocessThreshold, c.DateFormat); err != nil {
				return err
			}
		}
		t, err := store.Get(key)
		if err != nil {
			return err
		}

		opt := analysis.DefaultOptions()
		if anaSampleRows >= 0 {
			opt.SampleRows = anaSampleRows
		}
		opt.GroupBy = anaGroupBy
		opt.Correlations = anaCorr
		opt.Outliers = anaOutliers
		if anaOutlierThr > 0 {
			opt.OutlierThreshold = anaOutlierThr
		}
		if anaTopValues > 0 {
			opt.TopValues = anaTopValues
		}
		md := analysis.Profile(t, opt).Markdown()

		if anaOutputPath != "" {
			if err := os.WriteFile(anaOutputPath, []byte(md), 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Printf("✓ Wrote analysis to %s\n", anaOutputPath)
			return nil
		}
		fmt.Println(md)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVarP(&anaOutputPath, "output", "o", "", "optional path to write analysis (Markdown)")
	analyzeCmd.Flags().IntVar(&anaSampleRows, "sample-rows", 5, "number of sample rows to include")
	analyzeCmd.Flags().StringSliceVar(&anaGroupBy, "group-by", nil, "comma-separated column names to group by (repeatable)")
	analyzeCmd.Flags().BoolVar(&anaCorr, "correlations", true, "compute Pearson correlations among numeric columns")
	analyzeCmd.Flags().BoolVar(&anaOutliers, "outliers", true, "compute robust outlier counts (MAD)")
	analyzeCmd.Flags().Float64Var(&anaOutlierThr, "outlier-threshold", 3.5, "robust |z| threshold for outliers (MAD-based)")
	analyzeCmd.Flags().IntVar(&anaTopValues, "top-values", 8, "top values listed per text column")
	analyzeCmd.Flags().BoolVar(&anaRaw, "raw", false, "skip date/numeric preprocessing")
}
