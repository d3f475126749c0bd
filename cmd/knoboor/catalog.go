package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect DBMS knob catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Validate catalog files and list the versions they describe",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCatalogValidate,
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	cat, err := catalog.LoadFiles(args...)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKNOBS\tTUNABLE\tMETRICS")

	for _, e := range cat.Entries() {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n",
			e.DBMS.ID(), len(e.KeySet()), len(e.TunableKeys()), len(e.MetricKeySet()))
	}

	return tw.Flush()
}
