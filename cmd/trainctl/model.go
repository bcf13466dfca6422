package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/trainctl/internal/controlplane"
	"github.com/fentz26/trainctl/internal/models"
	"github.com/spf13/cobra"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the model registry",
}

var modelRegisterCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register a model version from a succeeded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelRegister,
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's models, or every project's with --all",
	RunE:  runModelList,
}

var modelVersionsCmd = &cobra.Command{
	Use:   "versions [model-id]",
	Short: "List a model's versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelVersions,
}

var modelPromoteCmd = &cobra.Command{
	Use:   "promote [version-id] [stage]",
	Short: "Move a model version to a stage (draft, staging, production, archived)",
	Args:  cobra.ExactArgs(2),
	RunE:  runModelPromote,
}

var (
	modelProject  string
	modelRun      string
	modelVersion  string
	modelDesc     string
	modelArtifact string
	modelListAll  bool
)

func init() {
	modelCmd.AddCommand(modelRegisterCmd, modelListCmd, modelVersionsCmd, modelPromoteCmd)

	modelRegisterCmd.Flags().StringVar(&modelProject, "project", "", "Project ID (required)")
	modelRegisterCmd.Flags().StringVar(&modelRun, "run", "", "Source run ID (required)")
	modelRegisterCmd.Flags().StringVar(&modelVersion, "version", "", "Version label (required)")
	modelRegisterCmd.Flags().StringVar(&modelDesc, "desc", "", "Model description")
	modelRegisterCmd.Flags().StringVar(&modelArtifact, "artifact", "", "Artifact path (default: the run's artifacts directory)")
	modelRegisterCmd.MarkFlagRequired("project")
	modelRegisterCmd.MarkFlagRequired("run")
	modelRegisterCmd.MarkFlagRequired("version")

	modelListCmd.Flags().StringVar(&modelProject, "project", "", "Project ID")
	modelListCmd.Flags().BoolVar(&modelListAll, "all", false, "List models across all projects")
	modelListCmd.MarkFlagsOneRequired("project", "all")
	modelListCmd.MarkFlagsMutuallyExclusive("project", "all")
}

type registerModelResult struct {
	Model   models.Model        `json:"model"`
	Version models.ModelVersion `json:"version"`
}

func runModelRegister(cmd *cobra.Command, args []string) error {
	req := controlplane.RegisterModelRequest{
		ProjectID:    modelProject,
		Name:         args[0],
		Description:  modelDesc,
		RunID:        modelRun,
		Version:      modelVersion,
		ArtifactPath: modelArtifact,
	}
	var result registerModelResult
	if err := apiPost("/models", req, &result); err != nil {
		return err
	}
	fmt.Printf("Registered %s %s\n", result.Model.Name, result.Version.Version)
	fmt.Printf("Model:   %s\n", result.Model.ID)
	fmt.Printf("Version: %s (%s)\n", result.Version.ID, result.Version.Stage)
	return nil
}

func runModelList(cmd *cobra.Command, args []string) error {
	if modelListAll {
		return runModelListAll()
	}
	var list []models.Model
	if err := apiGet("/models?project="+url.QueryEscape(modelProject), &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No models found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION\tCREATED")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, truncate(m.Description, 40), m.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runModelListAll() error {
	var list []models.ModelSummary
	if err := apiGet("/models?all=1", &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No models found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tID\tNAME\tVERSIONS\tLATEST\tPRODUCTION")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", truncate(m.ProjectName, 24), m.ID, m.Name, m.VersionCount,
			orDash(m.LatestVersion), orDash(m.ProductionVersion))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runModelVersions(cmd *cobra.Command, args []string) error {
	var versions []models.ModelVersion
	if err := apiGet("/models/"+args[0]+"/versions", &versions); err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("No versions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTAGE\tRUN\tCREATED")
	for _, v := range versions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Version, v.Stage, truncateID(v.RunID), v.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runModelPromote(cmd *cobra.Command, args []string) error {
	stage := models.Stage(args[1])
	if !stage.Valid() {
		return fmt.Errorf("invalid stage %q", args[1])
	}
	var mv models.ModelVersion
	if err := apiPost("/versions/"+args[0]+"/promote", map[string]string{"stage": string(stage)}, &mv); err != nil {
		return err
	}
	fmt.Printf("Version %s is now %s\n", mv.Version, mv.Stage)
	return nil
}
