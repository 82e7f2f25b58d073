package command

import (
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ryanuber/columnize"

	"github.com/framepipe/coordinator/api"
)

// TablesListCommand lists committed and in-flight tables, the same
// columnize-rendered table shape the teacher's own "status" subcommands
// use.
type TablesListCommand struct {
	UI ConsoleUI
}

func (c *TablesListCommand) Help() string {
	return strings.TrimSpace(`
Usage: coordinator tables list [options]

  Lists every table known to the coordinator.

Options:

  -addr=<addr>      Coordinator RPC address (default 127.0.0.1:7820).
  -filter=<expr>     go-bexpr filter over table fields.
`)
}

func (c *TablesListCommand) Synopsis() string { return "Lists tables" }

func (c *TablesListCommand) Run(args []string) int {
	var addr, filter string
	fs := flag.NewFlagSet("tables list", flag.ContinueOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:7820", "coordinator rpc address")
	fs.StringVar(&filter, "filter", "", "bexpr filter expression")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var reply api.ListTablesReply
	if err := call(addr, "ListTables", api.ListTablesArgs{Filter: filter}, &reply); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if err := resultError(reply.Result); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if len(reply.Names) == 0 {
		c.UI.Output("No tables found")
		return 0
	}

	var tablesReply api.GetTablesReply
	if err := call(addr, "GetTables", api.GetTablesArgs{Names: reply.Names}, &tablesReply); err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	rows := []string{"Name | Columns | Rows | Committed"}
	for _, td := range tablesReply.Tables {
		rows = append(rows, fmt.Sprintf("%s | %d | %s | %v",
			td.Name, len(td.Columns), humanize.Comma(int64(lastRows(td.EndRows))), td.Committed))
	}
	c.UI.Output(columnize.SimpleFormat(rows))
	return 0
}

func lastRows(endRows []int) int {
	if len(endRows) == 0 {
		return 0
	}
	return endRows[len(endRows)-1]
}

// TablesDeleteCommand deletes one or more tables by name.
type TablesDeleteCommand struct {
	UI ConsoleUI
}

func (c *TablesDeleteCommand) Help() string {
	return strings.TrimSpace(`
Usage: coordinator tables delete [options] <name>...

Options:

  -addr=<addr>      Coordinator RPC address (default 127.0.0.1:7820).
`)
}

func (c *TablesDeleteCommand) Synopsis() string { return "Deletes tables" }

func (c *TablesDeleteCommand) Run(args []string) int {
	var addr string
	fs := flag.NewFlagSet("tables delete", flag.ContinueOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:7820", "coordinator rpc address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	names := fs.Args()
	if len(names) == 0 {
		c.UI.Error("at least one table name is required")
		return 1
	}

	var reply api.Result
	if err := call(addr, "DeleteTables", api.DeleteTablesArgs{Names: names}, &reply); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	if err := resultError(reply); err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.UI.Output(fmt.Sprintf("Deleted %d table(s)", len(names)))
	return 0
}
