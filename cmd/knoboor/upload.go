package main

import (
	"fmt"

	"github.com/ethpandaops/knoboor/pkg/probe"
	"github.com/spf13/cobra"
)

var (
	uploadURL  string
	uploadCode string
	uploadDir  string
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a capture directory to a knoboor server",
	Long: `Upload a capture directory containing summary.json, knobs.json,
metrics_before.json and metrics_after.json under an application upload code.`,
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadURL, "url", "http://localhost:8080",
		"Base URL of the knoboor server")
	uploadCmd.Flags().StringVar(&uploadCode, "code", "",
		"Application upload code")
	uploadCmd.Flags().StringVar(&uploadDir, "dir", "",
		"Path to the capture directory")

	_ = uploadCmd.MarkFlagRequired("code")
	_ = uploadCmd.MarkFlagRequired("dir")
}

func runUpload(cmd *cobra.Command, args []string) error {
	payloads, err := probe.ReadDir(uploadDir)
	if err != nil {
		return err
	}

	log.WithField("dir", uploadDir).Info("Uploading capture")

	resp, err := probe.NewClient(log, uploadURL).
		Upload(cmd.Context(), uploadCode, payloads)
	if err != nil {
		return fmt.Errorf("uploading capture: %w", err)
	}

	fmt.Printf("result %d: %s\n", resp.ResultID, resp.Message)

	return nil
}
