// Command pipectl is the command-line front end for the pipeline control
// API. Every subcommand maps to exactly one orchestrator entry point.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiAddr   string
	adminUser string
	adminPass string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pipectl",
	Short: "Control the autonomous development pipeline",
	Long: `pipectl drives the pipeline daemon over its HTTP control API:
projects, pipeline runs, issue assignment, workers, monitoring, and
deployment.`,
	SilenceUsage: true,
}

func init() {
	defAddr := os.Getenv("PIPELINE_ADDR")
	if defAddr == "" {
		defAddr = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", defAddr, "control API base URL")
	rootCmd.PersistentFlags().StringVar(&adminUser, "user", os.Getenv("ADMIN_USERNAME"), "admin username")
	rootCmd.PersistentFlags().StringVar(&adminPass, "password", os.Getenv("ADMIN_PASSWORD"), "admin password")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectSwitchCmd, projectDeleteCmd)
	workersCmd.AddCommand(workersStartCmd, workersStopCmd, workersStatusCmd)
	monitorCmd.AddCommand(monitorStartCmd, monitorStopCmd, monitorStatusCmd)
	rootCmd.AddCommand(projectCmd, runCmd, assignCmd, testCmd, workersCmd, monitorCmd, deployCmd, statusCmd)

	projectCreateCmd.Flags().String("name", "", "project name (timestamped when empty)")
	deployCmd.Flags().Bool("redeploy", false, "redeploy even if the project already has a URL")
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <requirements...>",
	Short: "Create a project from a natural-language idea",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		return call(http.MethodPost, "/v1/projects", map[string]any{
			"name":         name,
			"requirements": strings.Join(args, " "),
		})
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodGet, "/v1/projects", nil)
	},
}

var projectSwitchCmd = &cobra.Command{
	Use:   "switch <name>",
	Short: "Make the named project active",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call(http.MethodPost, "/v1/projects/"+url.PathEscape(args[0])+"/switch", nil)
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove the named project from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call(http.MethodDelete, "/v1/projects/"+url.PathEscape(args[0]), nil)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline for the active project",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/v1/pipeline/run", nil)
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Classify and queue the active project's open issues",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/v1/issues/assign", nil)
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the active project's test suites",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/v1/tests/run", nil)
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Control the worker pool",
}

var workersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker pool",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/v1/workers/start", nil)
	},
}

var workersStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker pool",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/v1/workers/stop", nil)
	},
}

var workersStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool state, queue depths, and worker snapshots",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodGet, "/v1/workers/status", nil)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Control the CI pipeline monitor",
}

var monitorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start CI monitoring for the active project",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/v1/monitor/start", nil)
	},
}

var monitorStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active project's monitor",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/v1/monitor/stop", nil)
	},
}

var monitorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active project's monitor state",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodGet, "/v1/monitor/status", nil)
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the active project",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := "/v1/deploy"
		if redeploy, _ := cmd.Flags().GetBool("redeploy"); redeploy {
			path += "?redeploy=1"
		}
		return call(http.MethodPost, path, nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the aggregate pipeline status",
	RunE: func(_ *cobra.Command, _ []string) error {
		return call(http.MethodGet, "/v1/status", nil)
	},
}

// call performs one control-API request and pretty-prints the JSON reply.
// Pipeline runs and deploys block server-side, so the client timeout is
// generous.
func call(method, path string, body any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiAddr, "/")+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminUser != "" {
		req.SetBasicAuth(adminUser, adminPass)
	}

	client := &http.Client{Timeout: 30 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
