package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/buildd/internal/taskgraph"
)

var eventsSince int64

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Validate a plan without running it",
	Long: `Validate parses the plan and reports every field-level problem at once:
missing ids, unknown capabilities, forward or self dependencies, and input
references to tasks that do not exist.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runValidate,
}

var eventsCmd = &cobra.Command{
	Use:          "events <build-id>",
	Short:        "Print a build's event log",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runEvents,
}

var escalationsCmd = &cobra.Command{
	Use:          "escalations <build-id>",
	Short:        "Print a build's escalation records",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runEscalations,
}

var checkpointsCmd = &cobra.Command{
	Use:          "checkpoints <build-id>",
	Short:        "List a build's checkpoints, newest first",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runCheckpoints,
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "only events with a sequence number above this")
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	doc, err := taskgraph.ParsePlan(data)
	if err != nil {
		return err
	}

	if err := doc.Validate(); err != nil {
		var verr *taskgraph.ValidationError
		if errors.As(err, &verr) {
			fmt.Printf("plan %s is invalid:\n", args[0])
			for _, fe := range verr.Errors {
				fmt.Printf("  %-30s %s\n", fe.Field, fe.Message)
			}
			return fmt.Errorf("%d problems found", len(verr.Errors))
		}
		return err
	}

	tasks := 0
	for _, p := range doc.Phases {
		tasks += len(p.Tasks)
	}
	fmt.Printf("plan %s is valid: %d phases, %d tasks\n", args[0], len(doc.Phases), tasks)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.events.Query(cmd.Context(), args[0], eventsSince)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Printf("no events for build %s\n", args[0])
		return nil
	}
	for _, ev := range events {
		fmt.Printf("%6d  %s  %-18s", ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Kind)
		if taskID, ok := ev.Payload["task_id"].(string); ok && taskID != "" {
			fmt.Printf("  task=%s", taskID)
		}
		fmt.Println()
	}
	return nil
}

func runEscalations(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.escalations.ByBuild(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no escalations for build %s\n", args[0])
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %s\n", rec.Timestamp.Format(time.RFC3339), rec.Reason)
		if rec.TaskID != "" {
			fmt.Printf("  task:            %s\n", rec.TaskID)
		}
		fmt.Printf("  last error:      %s\n", rec.LastError)
		fmt.Printf("  required action: %s\n", rec.RequiredAction)
	}
	return nil
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cps, err := a.checkpoints.List(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Printf("no checkpoints for build %s\n", args[0])
		return nil
	}
	for _, cp := range cps {
		fmt.Printf("%s  v%d  %s\n", cp.CreatedAt.Format(time.RFC3339), cp.SchemaVersion, cp.ID)
	}
	return nil
}
