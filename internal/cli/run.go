package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// followPollInterval — период опроса ленты событий в режиме --follow.
const followPollInterval = 2 * time.Second

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunSubmitCmd(clientFn, outputFn),
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunStepsCmd(clientFn, outputFn),
		newRunEventsCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int
	var configFile string
	var ioManager string
	var launcher string
	var failurePolicy string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "submit GRAPH",
		Short: "Submit a graph for execution",
		Long: `Submit a graph (by UUID or name) for execution.

Run configuration (resource_config, io_manager, launcher, failure_policy,
retry, max_parallel_steps) is read from a YAML or JSON file passed via
--config. Individual flags override values from the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := SubmitRunRequest{}

			// Файл — основа конфигурации, флаги поверх него
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
				if err := yaml.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("failed to parse config file: %w", err)
				}
			}

			req.Graph = args[0]
			req.IdempotencyKey = idempotencyKey

			if cmd.Flags().Changed("version") {
				req.Version = &version
			}
			if cmd.Flags().Changed("io-manager") {
				req.IOManager = ioManager
			}
			if cmd.Flags().Changed("launcher") {
				req.Launcher = launcher
			}
			if cmd.Flags().Changed("failure-policy") {
				req.FailurePolicy = failurePolicy
			}

			resp, err := client.SubmitRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run submitted: %s", resp.RunID))
			out.Print(
				[]string{"RUN_ID", "STATUS"},
				[][]string{{resp.RunID, resp.Status}},
				resp,
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Graph version (latest if not specified)")
	cmd.Flags().StringVar(&configFile, "config", "", "Path to run config file (YAML or JSON)")
	cmd.Flags().StringVar(&ioManager, "io-manager", "", "IO manager key (e.g. memory, filesystem, postgres)")
	cmd.Flags().StringVar(&launcher, "launcher", "", "Launcher key (e.g. in-process, remote)")
	cmd.Flags().StringVar(&failurePolicy, "failure-policy", "", "Failure policy (skip-downstream, abort)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for duplicate suppression")

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var graph string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(ListRunsOpts{
				Graph:  graph,
				Status: status,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "GRAPH_ID", "VERSION", "STATUS", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.GraphID, strconv.Itoa(r.Version), r.Status, r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&graph, "graph", "", "Filter by graph (UUID or name)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, QUEUED, RUNNING, SUCCEEDED, FAILED, CANCELLED, REJECTED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.KV([][2]string{
				{"ID", run.ID},
				{"Graph", run.GraphID},
				{"Version", strconv.Itoa(run.Version)},
				{"Status", run.Status},
				{"Started", run.StartedAt},
				{"Finished", run.FinishedAt},
				{"Error", run.Error},
				{"Created", run.CreatedAt},
			}, run)
			return nil
		},
	}
}

func newRunStepsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "steps RUN_ID",
		Short: "List step states of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			steps, err := client.ListSteps(args[0])
			if err != nil {
				return err
			}

			headers := []string{"STEP", "HANDLER", "STATUS", "ATTEMPT", "ERROR"}
			rows := make([][]string, len(steps))
			for i, s := range steps {
				rows[i] = []string{s.StepName, s.Handler, s.Status, strconv.Itoa(s.Attempt), s.Error}
			}

			out.Print(headers, rows, steps)
			return nil
		},
	}
}

func newRunEventsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var after int64
	var follow bool

	cmd := &cobra.Command{
		Use:   "events RUN_ID",
		Short: "Show the run event feed",
		Long: `Show the ordered event feed of a run.

With --follow the feed is tailed: new events are printed as they appear,
until the run reaches a terminal status. --after skips events with
seq <= N, so the feed can be resumed without duplicates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if !follow {
				events, err := client.ListEvents(args[0], after, 0)
				if err != nil {
					return err
				}

				headers := []string{"SEQ", "TYPE", "STEP", "DETAIL", "TIME"}
				rows := make([][]string, len(events))
				for i, e := range events {
					rows[i] = []string{
						strconv.FormatInt(e.Seq, 10), e.Type, e.StepName, e.Detail, e.CreatedAt,
					}
				}

				out.Print(headers, rows, events)
				return nil
			}

			// Режим --follow: хвост ленты до терминального статуса run
			for {
				events, err := client.ListEvents(args[0], after, 0)
				if err != nil {
					return err
				}

				for _, e := range events {
					printEventLine(out, e)
					after = e.Seq
				}

				run, err := client.GetRun(args[0])
				if err != nil {
					return err
				}
				if isTerminalStatus(run.Status) {
					return nil
				}

				time.Sleep(followPollInterval)
			}
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Skip events with seq <= N")
	cmd.Flags().BoolVar(&follow, "follow", false, "Tail the feed until the run finishes")

	return cmd
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancel requested: %s", run.ID))
			return nil
		},
	}
}

// printEventLine печатает одно событие в потоковом режиме:
// строку для терминала или компактный JSON (NDJSON) с флагом --json.
func printEventLine(out *Output, e EventResponse) {
	if out.jsonMode {
		b, _ := json.Marshal(e)
		out.Line(string(b))
		return
	}

	step := e.StepName
	if step == "" {
		step = "-"
	}
	out.Line(fmt.Sprintf("%-5d %-16s %-20s %s", e.Seq, e.Type, step, e.Detail))
}

// isTerminalStatus повторяет домен: терминальные статусы run.
// CLI общается с API только по HTTP и не импортирует internal/domain.
func isTerminalStatus(status string) bool {
	switch status {
	case "SUCCEEDED", "FAILED", "CANCELLED", "REJECTED":
		return true
	}
	return false
}
