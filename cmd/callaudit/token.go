package main

import (
	"flag"
	"fmt"
	"io"

	"callaudit/pkg/auth"
	"callaudit/pkg/errors"
)

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	name := fs.String("name", "", "Subject the token is issued to")
	role := fs.String("role", auth.RoleViewer, "Role granted: admin, analyst or viewer")
	apiKey := fs.Bool("api-key", false, "Generate an API key entry for HTTP_API_KEYS instead of a JWT")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.NewInvalidInput("--name is required")
	}

	if *apiKey {
		authenticator := auth.NewAuthenticator("", "", 0, logger)
		key, err := authenticator.GenerateAPIKey(*name, *role)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s:%s:%s\n", *name, *role, key)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	authenticator := auth.NewAuthenticator(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer, cfg.HTTP.TokenExpiry, logger)
	token, err := authenticator.IssueToken(*name, *role)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}
