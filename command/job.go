package command

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/posener/complete"

	"github.com/framepipe/coordinator/api"
)

// jobFilePredictor offers job description files (rather than every file in
// the directory) for "job run"'s shell-completion argument.
var jobFilePredictor = complete.PredictFiles("*.json")

// JobRunCommand submits a bulk job described by a JSON file matching
// api.BulkJobParameters's shape — the CLI-facing equivalent of a client
// library constructing the same struct in-process.
type JobRunCommand struct {
	UI ConsoleUI
}

func (c *JobRunCommand) Help() string {
	return strings.TrimSpace(`
Usage: coordinator job run [options] <job.json>

  Submits a bulk job described as JSON matching BulkJobParameters.

Options:

  -addr=<addr>      Coordinator RPC address (default 127.0.0.1:7820).
`)
}

func (c *JobRunCommand) Synopsis() string { return "Submits a bulk job" }

// AutocompleteArgs satisfies cli.CommandAutocomplete so "coordinator job
// run" completes its job-file positional argument.
func (c *JobRunCommand) AutocompleteArgs() complete.Predictor { return jobFilePredictor }

// AutocompleteFlags has no flag-specific completions beyond the default.
func (c *JobRunCommand) AutocompleteFlags() complete.Flags { return nil }

func (c *JobRunCommand) Run(args []string) int {
	var addr string
	fs := flag.NewFlagSet("job run", flag.ContinueOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:7820", "coordinator rpc address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) != 1 {
		c.UI.Error("exactly one job description file is required")
		return 1
	}

	data, err := os.ReadFile(rest[0])
	if err != nil {
		c.UI.Error(fmt.Sprintf("reading %s: %v", rest[0], err))
		return 1
	}
	var params api.BulkJobParameters
	if err := json.Unmarshal(data, &params); err != nil {
		c.UI.Error(fmt.Sprintf("parsing %s: %v", rest[0], err))
		return 1
	}

	var reply api.NewJobReply
	if err := call(addr, "NewJob", params, &reply); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if err := resultError(reply.Result); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.UI.Output(fmt.Sprintf("Submitted bulk job %d", reply.BulkJobID))
	return 0
}

// JobStatusCommand polls GetJobStatus once and prints a human summary.
type JobStatusCommand struct {
	UI ConsoleUI
}

func (c *JobStatusCommand) Help() string {
	return strings.TrimSpace(`
Usage: coordinator job status [options]

Options:

  -addr=<addr>      Coordinator RPC address (default 127.0.0.1:7820).
  -watch             Poll every second until the job finishes.
`)
}

func (c *JobStatusCommand) Synopsis() string { return "Shows the in-flight job's status" }

func (c *JobStatusCommand) Run(args []string) int {
	var addr string
	var watch bool
	fs := flag.NewFlagSet("job status", flag.ContinueOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:7820", "coordinator rpc address")
	fs.BoolVar(&watch, "watch", false, "poll until the job finishes")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	for {
		var status api.JobStatus
		if err := call(addr, "GetJobStatus", api.Empty{}, &status); err != nil {
			c.UI.Error(err.Error())
			return 1
		}
		c.UI.Output(formatJobStatus(status))
		if status.Finished || !watch {
			break
		}
		time.Sleep(time.Second)
	}
	return 0
}

func formatJobStatus(s api.JobStatus) string {
	if s.Finished {
		outcome := "succeeded"
		if !s.LastResult.Success {
			outcome = "failed: " + s.LastResult.Msg
		}
		return fmt.Sprintf("finished (%s)", outcome)
	}
	return fmt.Sprintf("tasks %d/%d, jobs %d done %d failed of %d, workers %d (%d failed)",
		s.TasksDone, s.TotalTasks, s.JobsDone, s.JobsFailed, s.TotalJobs, s.NumWorkers, s.FailedWorkers)
}
