package main

import (
	"flag"
	"fmt"
	"io"

	"callaudit/pkg/compliance"
	"callaudit/pkg/errors"
)

func runVerifyAudit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	path := fs.String("path", "", "Audit chain file (defaults to AUDIT_PATH)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		*path = cfg.Audit.Path
	}

	count, err := compliance.VerifyAuditChain(*path)
	if err != nil {
		return errors.Wrap(err, "audit chain verification failed").
			WithField("path", *path).
			WithField("valid_records", count)
	}
	fmt.Fprintf(stdout, "%s: %d records verified\n", *path, count)
	return nil
}
