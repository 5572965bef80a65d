package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Manage installed automation apps",
}

var (
	appSpaceID    string
	appStatus     string
	appSpecPath   string
	activityLimit int
	activitySince int64
	respChoice    string
	respText      string
)

var appInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install an app from a spec file",
	RunE:  runAppInstall,
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed apps",
	RunE:  runAppList,
}

var appShowCmd = &cobra.Command{
	Use:   "show [app-id]",
	Short: "Show an installed app",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppShow,
}

var appPauseCmd = &cobra.Command{
	Use:   "pause [app-id]",
	Short: "Pause an app",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runAppTransition(args[0], "pause") },
}

var appResumeCmd = &cobra.Command{
	Use:   "resume [app-id]",
	Short: "Resume a paused app",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runAppTransition(args[0], "resume") },
}

var appUninstallCmd = &cobra.Command{
	Use:   "uninstall [app-id]",
	Short: "Uninstall an app",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runAppTransition(args[0], "uninstall") },
}

var appReinstallCmd = &cobra.Command{
	Use:   "reinstall [app-id]",
	Short: "Reinstall an uninstalled app",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runAppTransition(args[0], "reinstall") },
}

var appDeleteCmd = &cobra.Command{
	Use:   "delete [app-id]",
	Short: "Permanently delete an uninstalled app",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppDelete,
}

var appTriggerCmd = &cobra.Command{
	Use:   "trigger [app-id]",
	Short: "Manually trigger a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppTrigger,
}

var appActivityCmd = &cobra.Command{
	Use:   "activity [app-id]",
	Short: "Show an app's activity log",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppActivity,
}

var appRespondCmd = &cobra.Command{
	Use:   "respond [app-id] [entry-id]",
	Short: "Respond to a pending escalation",
	Args:  cobra.ExactArgs(2),
	RunE:  runAppRespond,
}

func init() {
	appCmd.AddCommand(appInstallCmd, appListCmd, appShowCmd, appPauseCmd, appResumeCmd,
		appUninstallCmd, appReinstallCmd, appDeleteCmd, appTriggerCmd, appActivityCmd, appRespondCmd)

	appInstallCmd.Flags().StringVar(&appSpaceID, "space", "", "space id to install into (required)")
	appInstallCmd.Flags().StringVar(&appSpecPath, "spec", "", "path to the app spec JSON document (required)")
	appInstallCmd.MarkFlagRequired("space")
	appInstallCmd.MarkFlagRequired("spec")

	appListCmd.Flags().StringVar(&appSpaceID, "space", "", "filter by space id")
	appListCmd.Flags().StringVar(&appStatus, "status", "", "filter by status")

	appActivityCmd.Flags().IntVar(&activityLimit, "limit", 30, "max entries to show")
	appActivityCmd.Flags().Int64Var(&activitySince, "since", 0, "only entries at or after this unix-ms timestamp")

	appRespondCmd.Flags().StringVar(&respChoice, "choice", "", "the selected choice, for multiple-choice escalations")
	appRespondCmd.Flags().StringVar(&respText, "text", "", "free-text response")
}

func runAppInstall(cmd *cobra.Command, args []string) error {
	specBytes, err := os.ReadFile(appSpecPath)
	if err != nil {
		return fmt.Errorf("read spec file: %w", err)
	}

	body := map[string]interface{}{
		"space_id": appSpaceID,
		"spec":     json.RawMessage(specBytes),
	}

	resp, err := apiPost("/apps/", body)
	if err != nil {
		return err
	}

	var app map[string]interface{}
	if err := json.Unmarshal(resp, &app); err != nil {
		return err
	}
	fmt.Printf("Installed app: %s\n", app["id"])
	return nil
}

func runAppList(cmd *cobra.Command, args []string) error {
	url := "/apps/?"
	if appSpaceID != "" {
		url += "space_id=" + appSpaceID + "&"
	}
	if appStatus != "" {
		url += "status=" + appStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var apps []map[string]interface{}
	if err := json.Unmarshal(resp, &apps); err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Println("No apps found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSPACE\tSTATUS\tSPEC")
	for _, a := range apps {
		id := truncateID(a["id"].(string))
		space, _ := a["space_id"].(string)
		status, _ := a["status"].(string)
		specID := ""
		if spec, ok := a["spec"].(map[string]interface{}); ok {
			specID, _ = spec["id"].(string)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, space, status, truncate(specID, 30))
	}
	w.Flush()
	return nil
}

func runAppShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/apps/" + args[0] + "/")
	if err != nil {
		return err
	}

	var app map[string]interface{}
	if err := json.Unmarshal(resp, &app); err != nil {
		return err
	}

	fmt.Printf("ID:      %s\n", app["id"])
	fmt.Printf("Space:   %s\n", app["space_id"])
	fmt.Printf("Status:  %s\n", app["status"])
	if runtime, ok := app["runtime"]; ok {
		runtimeJSON, _ := json.MarshalIndent(runtime, "", "  ")
		fmt.Printf("Runtime: %s\n", runtimeJSON)
	}
	return nil
}

func runAppTransition(appID, action string) error {
	_, err := apiPost("/apps/"+appID+"/"+action, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%sed app %s\n", action, appID)
	return nil
}

func runAppDelete(cmd *cobra.Command, args []string) error {
	_, err := apiDelete("/apps/" + args[0] + "/")
	if err != nil {
		return err
	}
	fmt.Printf("Deleted app %s\n", args[0])
	return nil
}

func runAppTrigger(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/apps/"+args[0]+"/trigger", nil)
	if err != nil {
		return err
	}

	var run map[string]interface{}
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}
	fmt.Printf("Triggered run: %s\n", run["id"])
	return nil
}

func runAppActivity(cmd *cobra.Command, args []string) error {
	url := "/apps/" + args[0] + "/activity?limit=" + strconv.Itoa(activityLimit)
	if activitySince > 0 {
		url += "&since=" + strconv.FormatInt(activitySince, 10)
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var entries []map[string]interface{}
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No activity found")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("[%s] %s %s\n", e["ts"], e["type"], truncateID(fmt.Sprint(e["id"])))
	}
	return nil
}

func runAppRespond(cmd *cobra.Command, args []string) error {
	if respChoice == "" && respText == "" {
		return fmt.Errorf("one of --choice or --text is required")
	}

	body := map[string]string{"choice": respChoice, "text": respText}
	resp, err := apiPost("/apps/"+args[0]+"/escalations/"+args[1]+"/respond", body)
	if err != nil {
		return err
	}

	var run map[string]interface{}
	if err := json.Unmarshal(resp, &run); err != nil {
		return err
	}
	fmt.Printf("Resume run: %s\n", run["id"])
	return nil
}
