package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calden/roomtemp/internal/importer"
	"github.com/calden/roomtemp/internal/models"
)

var (
	importScope  string
	importCommit bool
	importMaps   []string
)

var importCmd = &cobra.Command{
	Use:   "import <files...>",
	Short: "Preview or commit an import of sensor CSV exports",
	Long: `Parses the given CSV export files, classifies each as ready, duplicate
or error, and prints a summary. Nothing is written unless --commit is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importScope, "scope", "", "import scope (building)")
	importCmd.Flags().BoolVar(&importCommit, "commit", false, "commit the import instead of previewing")
	importCmd.Flags().StringArrayVar(&importMaps, "map", nil, "manual device-to-room mapping, label=roomKey (repeatable)")
	importCmd.MarkFlagRequired("scope")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	opts := importer.Options{
		Scope:     importScope,
		Overrides: make(map[string]string),
	}
	for _, m := range importMaps {
		label, roomKey, ok := strings.Cut(m, "=")
		if !ok {
			return fmt.Errorf("invalid --map %q, expected label=roomKey", m)
		}
		opts.Overrides[label] = roomKey
	}

	var files []importer.InputFile
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		files = append(files, importer.InputFile{Name: path, Data: data})
	}

	ctx := context.Background()
	summary, err := a.importer.Preview(ctx, files, opts)
	if err != nil {
		return err
	}
	printSummary(summary)

	if !importCommit {
		fmt.Println("\npreview only; re-run with --commit to import")
		return nil
	}
	if summary.ReadyCount == 0 {
		return errors.New("nothing to import")
	}

	result, err := a.importer.Commit(ctx, files, opts)
	if err != nil {
		return err
	}
	fmt.Printf("\nimported: %d new readings, %d conflicts (job %s)\n",
		result.NewReadings, result.Conflicts, result.JobID)
	return nil
}

func printSummary(summary *models.PreviewSummary) {
	fmt.Printf("files: %d  devices: %d  rows: %d parsed / %d total\n",
		summary.FileCount, summary.DeviceCount, summary.ParsedRows, summary.TotalRows)
	fmt.Printf("ready: %d  duplicate: %d  error: %d\n",
		summary.ReadyCount, summary.DuplicateCount, summary.ErrorCount)
	for _, f := range summary.Files {
		line := fmt.Sprintf("  [%s] %s", f.Status, f.Filename)
		if f.RoomKey != "" {
			line += fmt.Sprintf(" -> %s (%.2f %s)", f.RoomKey, f.Confidence, f.Method)
		} else if f.Status == models.FileReady {
			line += " -> UNMAPPED"
		}
		if f.Error != "" {
			line += " : " + f.Error
		}
		fmt.Println(line)
	}
}
