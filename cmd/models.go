package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/datachat/internal/ai"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model catalog and configured providers",
	Example: `  datachat models show
  datachat models show --file ./models.json`,
}

var modelsFile string

var modelsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show known providers and the model catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		if modelsFile != "" {
			m, err := ai.LoadCatalogFromJSON(modelsFile)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			ai.MergeCatalog(m)
		}
		fmt.Printf("providers: %v\n", ai.Providers())
		if cfg != nil {
			fmt.Printf("configured: %s / %s\n", cfg.Provider, cfg.Model)
			if _, ok := ai.LookupModel(cfg.Model); !ok {
				fmt.Fprintf(os.Stderr, "⚠ Warning: model %q is not in the catalog\n", cfg.Model)
			}
		}
		// maps encode with sorted keys
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ai.Catalog())
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsShowCmd)
	modelsShowCmd.Flags().StringVar(&modelsFile, "file", "", "merge a JSON catalog file before showing")
}
