package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/trainctl/internal/controlplane"
	"github.com/fentz26/trainctl/internal/events"
	"github.com/fentz26/trainctl/internal/models"
	"github.com/fentz26/trainctl/internal/runner"
	"github.com/fentz26/trainctl/internal/tui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage training runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a training run",
	RunE:  runRunStart,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel an active run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCancel,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunList,
}

var runActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List runs the daemon is supervising",
	RunE:  runRunActive,
}

var runShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runMetricsCmd = &cobra.Command{
	Use:   "metrics [run-id]",
	Short: "Show recorded metrics for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunMetrics,
}

var runLogsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Follow a run's event stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunLogs,
}

var (
	runProject    string
	runDataset    string
	runName       string
	runID         string
	runBackend    string
	runImage      string
	runConfigFile string
	runSets       []string
	runFollow     bool
	runStatus     string
	metricKey     string
)

func init() {
	runCmd.AddCommand(runStartCmd, runCancelCmd, runListCmd, runActiveCmd, runShowCmd, runMetricsCmd, runLogsCmd)

	runStartCmd.Flags().StringVar(&runProject, "project", "", "Project ID (required)")
	runStartCmd.Flags().StringVar(&runDataset, "dataset", "", "Dataset ID")
	runStartCmd.Flags().StringVar(&runName, "name", "", "Run name")
	runStartCmd.Flags().StringVar(&runID, "id", "", "Run ID (default: generated)")
	runStartCmd.Flags().StringVar(&runBackend, "backend", "", "Execution backend (local, docker)")
	runStartCmd.Flags().StringVar(&runImage, "image", "", "Container image for the docker backend")
	runStartCmd.Flags().StringVarP(&runConfigFile, "file", "f", "", "Training config file (YAML or JSON)")
	runStartCmd.Flags().StringArrayVar(&runSets, "set", nil, "Set a config value (key=value, repeatable)")
	runStartCmd.Flags().BoolVar(&runFollow, "follow", false, "Stream events until the run ends")
	runStartCmd.MarkFlagRequired("project")

	runListCmd.Flags().StringVar(&runProject, "project", "", "Filter by project ID")
	runListCmd.Flags().StringVar(&runStatus, "status", "", "Filter by status (pending, running, succeeded, failed, cancelled)")

	runMetricsCmd.Flags().StringVar(&metricKey, "key", "", "Only show this metric key")
}

// loadRunConfig reads the training config file, if any, and applies --set
// overrides. Values given with --set are parsed as YAML scalars.
func loadRunConfig(path string, sets []string) (map[string]any, error) {
	cfg := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
	}
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		cfg[key] = v
	}
	return cfg, nil
}

func runRunStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(runConfigFile, runSets)
	if err != nil {
		return err
	}

	req := controlplane.StartRunRequest{
		RunID:     runID,
		ProjectID: runProject,
		DatasetID: runDataset,
		Name:      runName,
		Backend:   runBackend,
		Image:     runImage,
		Config:    cfg,
	}
	var run models.Run
	if err := apiPost("/runs", req, &run); err != nil {
		return err
	}
	fmt.Printf("Started run: %s (backend %s)\n", run.ID, run.Backend)

	if !runFollow {
		return nil
	}
	return followRun(cmd.Context(), run.ID)
}

func runRunCancel(cmd *cobra.Command, args []string) error {
	if err := apiPost("/runs/"+args[0]+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Cancelling run %s\n", args[0])
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if runProject != "" {
		q.Set("project", runProject)
	}
	if runStatus != "" {
		q.Set("status", runStatus)
	}
	path := "/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var runs []models.Run
	if err := apiGet(path, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBACKEND\tCREATED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), truncate(r.Name, 30), r.Status, r.Backend,
			r.CreatedAt.Local().Format("2006-01-02 15:04"), runDuration(r))
	}
	return w.Flush()
}

func runDuration(r models.Run) string {
	if r.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	return end.Sub(*r.StartedAt).Round(time.Second).String()
}

func runRunActive(cmd *cobra.Command, args []string) error {
	var active []runner.RunInfo
	if err := apiGet("/runs/active", &active); err != nil {
		return err
	}
	if len(active) == 0 {
		fmt.Println("No active runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATE\tBACKEND\tPID\tUPTIME")
	for _, r := range active {
		pid := "-"
		if r.Pid > 0 {
			pid = fmt.Sprint(r.Pid)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.State, r.Backend, pid, time.Since(r.StartedAt).Round(time.Second))
	}
	return w.Flush()
}

func runRunShow(cmd *cobra.Command, args []string) error {
	var run models.Run
	if err := apiGet("/runs/"+args[0], &run); err != nil {
		return err
	}
	var artifacts []models.Artifact
	if err := apiGet("/runs/"+args[0]+"/artifacts", &artifacts); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", run.ID)
	fmt.Printf("Project:  %s\n", run.ProjectID)
	if run.Name != "" {
		fmt.Printf("Name:     %s\n", run.Name)
	}
	if run.DatasetID != "" {
		fmt.Printf("Dataset:  %s\n", run.DatasetID)
	}
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Backend:  %s\n", run.Backend)
	if run.Device != "" {
		fmt.Printf("Device:   %s\n", run.Device)
	}
	fmt.Printf("Created:  %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Duration: %s\n", runDuration(run))
	if run.ConfigPath != "" {
		fmt.Printf("Config:   %s\n", run.ConfigPath)
	}
	if run.ErrorSummary != "" {
		fmt.Printf("Error:    %s\n", run.ErrorSummary)
	}

	if len(artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, a := range artifacts {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", a.Kind, a.Path, formatBytes(a.SizeBytes))
		}
		w.Flush()
	}
	return nil
}

func runRunMetrics(cmd *cobra.Command, args []string) error {
	path := "/runs/" + args[0] + "/metrics"
	if metricKey != "" {
		path += "?key=" + url.QueryEscape(metricKey)
	}
	var metrics []models.Metric
	if err := apiGet(path, &metrics); err != nil {
		return err
	}
	if len(metrics) == 0 {
		fmt.Println("No metrics recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tKEY\tVALUE\tTIME")
	for _, m := range metrics {
		fmt.Fprintf(w, "%d\t%s\t%g\t%s\n", m.Step, m.Key, m.Value, m.TS)
	}
	return w.Flush()
}

func runRunLogs(cmd *cobra.Command, args []string) error {
	return followRun(cmd.Context(), args[0])
}

// followRun prints a run's events until the stream ends or the user interrupts.
func followRun(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	client := tui.NewClient(apiAddr)
	var final string
	err := client.StreamEvents(ctx, id, func(env events.Envelope) {
		fmt.Println(formatEvent(env))
		if st, ok := env.Event.(events.Status); ok && env.Source == events.SourceSupervisor && st.Terminal() {
			final = st.State
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	if final == events.StateFailed {
		return fmt.Errorf("run %s failed", id)
	}
	return nil
}

func formatEvent(env events.Envelope) string {
	prefix := fmt.Sprintf("[%4d %-10s]", env.Seq, env.Source)
	switch e := env.Event.(type) {
	case events.Log:
		return fmt.Sprintf("%s %-5s %s", prefix, e.Level, e.Message)
	case events.Metric:
		return fmt.Sprintf("%s metric %s=%g step=%d", prefix, e.Key, e.Value, e.Step)
	case events.Progress:
		return fmt.Sprintf("%s progress %d/%d", prefix, e.Current, e.Total)
	case events.Artifact:
		return fmt.Sprintf("%s artifact %s %s", prefix, e.ArtifactKind, e.Path)
	case events.Status:
		if msg := e.ErrorMessage(); msg != "" {
			return fmt.Sprintf("%s status %s: %s", prefix, e.State, msg)
		}
		return fmt.Sprintf("%s status %s", prefix, e.State)
	case events.Device:
		return fmt.Sprintf("%s device %s", prefix, e.Name)
	default:
		return prefix
	}
}
