package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"casepilot/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "casectl",
	Short: "casepilot CLI",
	Long: `casectl talks to a running casepilot API server.
It submits requirement bundles for analysis, polls task progress, lists the
generated test cases, and fetches mind-map outlines.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASEPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "API server base URL")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(casesCmd())
	rootCmd.AddCommand(mindmapCmd())
}

func apiClient() *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimSuffix(viper.GetString("server"), "/")).
		SetTimeout(30 * time.Second)
}

// apiError mirrors the server's error envelope.
type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func checkResponse(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	var ae apiError
	if err := json.Unmarshal(resp.Body(), &ae); err == nil && ae.Error != "" {
		return fmt.Errorf("%s (%s)", ae.Error, ae.Code)
	}
	return fmt.Errorf("server returned %s", resp.Status())
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func submitCmd() *cobra.Command {
	var project, module, modules string
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a requirement image or zip bundle for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			form := map[string]string{"project": project}
			if module != "" {
				form["module"] = module
			}
			if modules != "" {
				form["modules"] = modules
			}

			var task domain.Task
			resp, err := apiClient().R().
				SetFile("file", args[0]).
				SetFormData(form).
				SetResult(&task).
				Post("/api/v1/tasks")
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}

			if !wait {
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Printf("task %s submitted (%d units)\n", task.ID, task.Total)
				return nil
			}
			return pollTask(task.ID)
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project the cases belong to")
	cmd.Flags().StringVarP(&module, "module", "m", "", "module override for every document")
	cmd.Flags().StringVar(&modules, "modules", "", "default mind-map module filter, comma separated")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task settles")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func pollTask(id string) error {
	for {
		task, err := fetchTask(id)
		if err != nil {
			return err
		}
		fmt.Printf("task %s: %s %d/%d done, %d failed\n",
			task.ID, task.Status, task.Completed+task.Failed, task.Total, task.Failed)
		if task.Status.Terminal() {
			return printTask(task)
		}
		time.Sleep(2 * time.Second)
	}
}

func fetchTask(id string) (*domain.Task, error) {
	var task domain.Task
	resp, err := apiClient().R().
		SetResult(&task).
		Get("/api/v1/tasks/" + id)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return &task, nil
}

func printTask(task *domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(task)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", task.ID})
	tw.AppendRow(table.Row{"Project", task.Project})
	tw.AppendRow(table.Row{"File", task.FileName})
	tw.AppendRow(table.Row{"Status", task.Status})
	tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%d/%d done, %d failed", task.Completed+task.Failed, task.Total, task.Failed)})
	tw.Render()

	if len(task.Errors) > 0 {
		fmt.Println("unit errors:")
		ew := table.NewWriter()
		ew.SetOutputMirror(os.Stdout)
		ew.AppendHeader(table.Row{"Unit", "Stage", "Kind", "Message"})
		for _, te := range task.Errors {
			ew.AppendRow(table.Row{te.UnitName, te.Stage, te.Kind, te.Message})
		}
		ew.Render()
	}
	return nil
}

func taskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show an analysis task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := fetchTask(args[0])
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
}

// caseListResponse mirrors the server's list envelope.
type caseListResponse struct {
	Total int               `json:"total"`
	Cases []domain.TestCase `json:"cases"`
}

func casesCmd() *cobra.Command {
	var project, module, level string
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List generated test cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result caseListResponse
			resp, err := apiClient().R().
				SetQueryParams(map[string]string{
					"project": project,
					"module":  module,
					"level":   level,
				}).
				SetResult(&result).
				Get("/api/v1/cases")
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(result.Cases)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Module", "Name", "Level", "Status"})
			for _, tc := range result.Cases {
				tw.AppendRow(table.Row{tc.ID, tc.Module, tc.Name, tc.Level, tc.Status})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project filter")
	cmd.Flags().StringVarP(&module, "module", "m", "", "module filter")
	cmd.Flags().StringVarP(&level, "level", "l", "", "level filter (P0..P3)")
	return cmd
}

func mindmapCmd() *cobra.Command {
	var modules string
	cmd := &cobra.Command{
		Use:   "mindmap <task-id>",
		Short: "Fetch the PlantUML mind-map outline for a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := apiClient().R()
			if modules != "" {
				req.SetQueryParam("modules", modules)
			}
			resp, err := req.Get("/api/v1/tasks/" + args[0] + "/mindmap")
			if err != nil {
				return err
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			fmt.Print(string(resp.Body()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&modules, "modules", "m", "", "comma-separated module filter")
	return cmd
}
