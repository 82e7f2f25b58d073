package command

import (
	"flag"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mitchellh/cli"
)

// ConsoleUI is the subset of cli.Ui every subcommand needs; satisfied by
// *cli.ColoredUi in production and a plain buffer in tests.
type ConsoleUI interface {
	Output(string)
	Info(string)
	Error(string)
	Warn(string)
}

// NewColoredUI builds the teacher-style colorized console UI, with color
// auto-disabled on non-tty output the way fatih/color's own isatty check
// does, wrapped through mattn/go-colorable so ANSI codes render correctly
// on every platform the coordinator ships for.
func NewColoredUI() cli.Ui {
	out := colorable.NewColorableStdout()
	errOut := colorable.NewColorableStderr()
	base := &cli.BasicUi{Reader: os.Stdin, Writer: out, ErrorWriter: errOut}
	return &cli.ColoredUi{
		Ui:          base,
		OutputColor: cli.UiColorNone,
		InfoColor:   cli.UiColor{Code: int(color.FgGreen)},
		ErrorColor:  cli.UiColor{Code: int(color.FgRed)},
		WarnColor:   cli.UiColor{Code: int(color.FgYellow)},
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
