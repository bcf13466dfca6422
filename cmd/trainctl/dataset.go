package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/workspace"
	"github.com/spf13/cobra"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage datasets",
}

var datasetImportCmd = &cobra.Command{
	Use:   "import [source-dir]",
	Short: "Fingerprint and import a dataset directory into a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetImport,
}

var datasetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's datasets",
	RunE:  runDatasetList,
}

var datasetFingerprintCmd = &cobra.Command{
	Use:   "fingerprint [dir]",
	Short: "Print the content fingerprint of a directory",
	Long:  `Hashes a directory locally without contacting the daemon.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDatasetFingerprint,
}

var (
	datasetProject string
	datasetName    string
	datasetMode    string
	fingerprintAll bool
)

func init() {
	datasetCmd.AddCommand(datasetImportCmd, datasetListCmd, datasetFingerprintCmd)

	datasetImportCmd.Flags().StringVar(&datasetProject, "project", "", "Project ID (required)")
	datasetListCmd.Flags().StringVar(&datasetProject, "project", "", "Project ID (required)")
	datasetImportCmd.Flags().StringVar(&datasetName, "name", "", "Dataset name (default: directory name)")
	datasetImportCmd.Flags().StringVar(&datasetMode, "mode", "copy", "Storage mode (copy, reference)")
	datasetImportCmd.MarkFlagRequired("project")
	datasetListCmd.MarkFlagRequired("project")

	datasetFingerprintCmd.Flags().BoolVar(&fingerprintAll, "files", false, "Print per-file hashes as JSON")
}

func runDatasetImport(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	name := datasetName
	if name == "" {
		name = filepath.Base(source)
	}
	if _, err := workspace.ParseStorageMode(datasetMode); err != nil {
		return err
	}

	body := map[string]string{
		"name":         name,
		"source_path":  source,
		"storage_mode": datasetMode,
	}
	var ds models.Dataset
	if err := apiPost("/projects/"+datasetProject+"/datasets", body, &ds); err != nil {
		return err
	}
	fmt.Printf("Imported dataset: %s\n", ds.ID)
	fmt.Printf("Fingerprint: %s\n", ds.Fingerprint)
	fmt.Printf("Files: %d (%s)\n", ds.FileCount, formatBytes(ds.SizeBytes))
	return nil
}

func runDatasetList(cmd *cobra.Command, args []string) error {
	var datasets []models.Dataset
	if err := apiGet("/projects/"+datasetProject+"/datasets", &datasets); err != nil {
		return err
	}
	if len(datasets) == 0 {
		fmt.Println("No datasets found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tFILES\tSIZE\tFINGERPRINT")
	for _, d := range datasets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(d.ID), truncate(d.Name, 30), d.StorageMode, d.FileCount, formatBytes(d.SizeBytes), truncate(d.Fingerprint, 16))
	}
	return w.Flush()
}

func runDatasetFingerprint(cmd *cobra.Command, args []string) error {
	fp, err := workspace.FingerprintDirectory(args[0])
	if err != nil {
		return err
	}
	if fingerprintAll {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(fp)
	}
	fmt.Printf("%s  %d files  %s\n", fp.Fingerprint, fp.FileCount, formatBytes(fp.TotalSize))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
