package command

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/ryanuber/columnize"

	"github.com/framepipe/coordinator/api"
)

// WorkersListCommand lists active workers.
type WorkersListCommand struct {
	UI ConsoleUI
}

func (c *WorkersListCommand) Help() string {
	return strings.TrimSpace(`
Usage: coordinator workers list [options]

Options:

  -addr=<addr>      Coordinator RPC address (default 127.0.0.1:7820).
  -filter=<expr>     go-bexpr filter over worker fields.
`)
}

func (c *WorkersListCommand) Synopsis() string { return "Lists active workers" }

func (c *WorkersListCommand) Run(args []string) int {
	var addr, filter string
	fs := flag.NewFlagSet("workers list", flag.ContinueOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:7820", "coordinator rpc address")
	fs.StringVar(&filter, "filter", "", "bexpr filter expression")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var reply api.ActiveWorkersReply
	if err := call(addr, "ActiveWorkers", api.ActiveWorkersArgs{Filter: filter}, &reply); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if err := resultError(reply.Result); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if len(reply.Workers) == 0 {
		c.UI.Output("No active workers")
		return 0
	}

	rows := []string{"Node | Address | Outstanding | Failed Pings | Registered"}
	for _, w := range reply.Workers {
		rows = append(rows, fmt.Sprintf("%d | %s:%d | %d | %d | %s",
			w.NodeID, w.Address, w.Port, w.OutstandingN, w.FailedPings,
			w.RegisteredAt.Format(time.RFC3339)))
	}
	c.UI.Output(columnize.SimpleFormat(rows))
	return 0
}
