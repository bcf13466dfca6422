package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/trainctl/internal/models"
	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectList,
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete [project-id]",
	Short: "Delete a project with its datasets, runs and models",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectDelete,
}

var projectDesc string

func init() {
	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectDeleteCmd)
	projectAddCmd.Flags().StringVar(&projectDesc, "desc", "", "Project description")
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"name":        args[0],
		"description": projectDesc,
	}
	var project models.Project
	if err := apiPost("/projects", body, &project); err != nil {
		return err
	}
	fmt.Printf("Created project: %s\n", project.ID)
	fmt.Printf("Root: %s\n", project.RootPath)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	var projects []models.Project
	if err := apiGet("/projects", &projects); err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncateID(p.ID), truncate(p.Name, 40), p.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runProjectDelete(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/projects/"+args[0], nil); err != nil {
		return err
	}
	fmt.Printf("Deleted project: %s\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
