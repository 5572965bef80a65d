package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduler jobs",
}

var (
	jobName       string
	jobEvery      string
	jobCron       string
	jobNewName    string
	runlogLimit   int
	statsSince    int64
)

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a standalone scheduler job",
	RunE:  runJobCreate,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduler jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show a scheduler job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobRenameCmd = &cobra.Command{
	Use:   "rename [job-id]",
	Short: "Rename a scheduler job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRename,
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause [job-id]",
	Short: "Pause a scheduler job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runJobTransition(args[0], "pause") },
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a scheduler job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runJobTransition(args[0], "resume") },
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete [job-id]",
	Short: "Delete a scheduler job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobDelete,
}

var jobRunLogCmd = &cobra.Command{
	Use:   "runlog [job-id]",
	Short: "Show a job's recent firings",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRunLog,
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats [job-id]",
	Short: "Show a job's run statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStats,
}

func init() {
	jobCmd.AddCommand(jobCreateCmd, jobListCmd, jobShowCmd, jobRenameCmd, jobPauseCmd,
		jobResumeCmd, jobDeleteCmd, jobRunLogCmd, jobStatsCmd)

	jobCreateCmd.Flags().StringVar(&jobName, "name", "", "job name (required)")
	jobCreateCmd.Flags().StringVar(&jobEvery, "every", "", "fire every duration (e.g. 30s, 5m) — mutually exclusive with --cron")
	jobCreateCmd.Flags().StringVar(&jobCron, "cron", "", "fire on a cron expression — mutually exclusive with --every")
	jobCreateCmd.MarkFlagRequired("name")

	jobRenameCmd.Flags().StringVar(&jobNewName, "name", "", "new job name (required)")
	jobRenameCmd.MarkFlagRequired("name")

	jobRunLogCmd.Flags().IntVar(&runlogLimit, "limit", 50, "max entries to show")

	jobStatsCmd.Flags().Int64Var(&statsSince, "since", 0, "only firings at or after this unix-ms timestamp")
}

func runJobCreate(cmd *cobra.Command, args []string) error {
	var schedule map[string]string
	switch {
	case jobEvery != "":
		schedule = map[string]string{"kind": "every", "every": jobEvery}
	case jobCron != "":
		schedule = map[string]string{"kind": "cron", "cron": jobCron}
	default:
		return fmt.Errorf("one of --every or --cron is required")
	}

	body := map[string]interface{}{"name": jobName, "schedule": schedule}
	resp, err := apiPost("/jobs/", body)
	if err != nil {
		return err
	}

	var job map[string]interface{}
	if err := json.Unmarshal(resp, &job); err != nil {
		return err
	}
	fmt.Printf("Created job: %s\n", job["id"])
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/")
	if err != nil {
		return err
	}

	var jobs []map[string]interface{}
	if err := json.Unmarshal(resp, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tSTATUS\tNEXT RUN")
	for _, j := range jobs {
		id := truncateID(j["id"].(string))
		name, _ := j["name"].(string)
		enabled, _ := j["enabled"].(bool)
		status, _ := j["status"].(string)
		nextRun := j["next_run_at_ms"]
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%v\n", id, truncate(name, 30), enabled, status, nextRun)
	}
	w.Flush()
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/" + args[0] + "/")
	if err != nil {
		return err
	}
	var job map[string]interface{}
	if err := json.Unmarshal(resp, &job); err != nil {
		return err
	}

	prettyJSON, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(prettyJSON))
	return nil
}

func runJobRename(cmd *cobra.Command, args []string) error {
	body := map[string]string{"name": jobNewName}
	_, err := apiPatch("/jobs/"+args[0]+"/", body)
	if err != nil {
		return err
	}
	fmt.Printf("Renamed job %s\n", args[0])
	return nil
}

func runJobTransition(jobID, action string) error {
	_, err := apiPost("/jobs/"+jobID+"/"+action, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%sd job %s\n", action, jobID)
	return nil
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	_, err := apiDelete("/jobs/" + args[0] + "/")
	if err != nil {
		return err
	}
	fmt.Printf("Deleted job %s\n", args[0])
	return nil
}

func runJobRunLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/" + args[0] + "/runlog?limit=" + strconv.Itoa(runlogLimit))
	if err != nil {
		return err
	}

	var entries []map[string]interface{}
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No run log entries found")
		return nil
	}

	for _, e := range entries {
		errMsg, _ := e["error"].(string)
		fmt.Printf("[%v] outcome=%s", e["fired_at_ms"], e["outcome"])
		if errMsg != "" {
			fmt.Printf(" error=%s", truncate(errMsg, 80))
		}
		fmt.Println()
	}
	return nil
}

func runJobStats(cmd *cobra.Command, args []string) error {
	url := "/jobs/" + args[0] + "/stats"
	if statsSince > 0 {
		url += "?since=" + strconv.FormatInt(statsSince, 10)
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var stats map[string]interface{}
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	fmt.Printf("Total:        %v\n", stats["total"])
	fmt.Printf("Last Outcome: %v\n", stats["last_outcome"])
	if byOutcome, ok := stats["by_outcome"].(map[string]interface{}); ok {
		for outcome, count := range byOutcome {
			fmt.Printf("  %s: %v\n", outcome, count)
		}
	}
	return nil
}
