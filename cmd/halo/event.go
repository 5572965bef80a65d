package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect the event bus",
}

var eventSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List registered event bus sources",
	RunE:  runEventSources,
}

func init() {
	eventCmd.AddCommand(eventSourcesCmd)
}

func runEventSources(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/events/sources")
	if err != nil {
		return err
	}

	var sources []map[string]interface{}
	if err := json.Unmarshal(resp, &sources); err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("No event sources registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE")
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%s\n", s["id"], s["type"])
	}
	w.Flush()
	return nil
}
