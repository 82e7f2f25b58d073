// Command coordinator is the coordinator process's entrypoint: a
// mitchellh/cli command tree (agent, job run/status, tables list/delete,
// workers list) wired the way the teacher's own main.go wires its command
// map, plus a go-checkpoint version check-in on startup.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-checkpoint"
	"github.com/mitchellh/cli"

	"github.com/framepipe/coordinator/command"
)

// version is stamped at build time via -ldflags; left as a plain default
// here since this module doesn't run its own release pipeline.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := command.NewColoredUI()

	go checkinVersion()

	c := cli.NewCLI("coordinator", version)
	c.Args = args
	c.Commands = commands(ui)
	c.Autocomplete = true

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}

func commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &command.AgentCommand{UI: ui}, nil
		},
		"job run": func() (cli.Command, error) {
			return &command.JobRunCommand{UI: ui}, nil
		},
		"job status": func() (cli.Command, error) {
			return &command.JobStatusCommand{UI: ui}, nil
		},
		"tables list": func() (cli.Command, error) {
			return &command.TablesListCommand{UI: ui}, nil
		},
		"tables delete": func() (cli.Command, error) {
			return &command.TablesDeleteCommand{UI: ui}, nil
		},
		"workers list": func() (cli.Command, error) {
			return &command.WorkersListCommand{UI: ui}, nil
		},
	}
}

// checkinVersion performs the teacher's startup version check-in,
// best-effort and non-blocking: a coordinator running air-gapped simply
// never gets a response.
func checkinVersion() {
	_, _ = checkpoint.Check(&checkpoint.CheckParams{
		Product: "coordinator",
		Version: version,
	})
}
