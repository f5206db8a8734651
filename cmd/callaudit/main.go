package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/version"
)

const usage = `usage: callaudit <command> [flags]

commands:
  batch         analyze a directory, file or zip of transcripts and write CSV/JSON results
  serve         run the HTTP analysis API
  verify-audit  check the integrity of the verdict audit chain
  token         issue a bearer token (or --api-key entry) for the HTTP API
  version       print the version
`

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	os.Exit(run(os.Args[1:], os.Stdout))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "batch":
		err = runBatch(args[1:], stdout)
	case "serve":
		err = runServe(args[1:])
	case "verify-audit":
		err = runVerifyAudit(args[1:], stdout)
	case "token":
		err = runToken(args[1:], stdout)
	case "version", "-v", "--version":
		fmt.Fprintln(stdout, version.UserAgent())
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if err == flag.ErrHelp {
		return 0
	}
	if err != nil {
		logger.WithError(err).Error("Command failed")
		return 1
	}
	return 0
}
