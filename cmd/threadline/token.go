// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/threadline/internal/auth"
)

var tokenOpts struct {
	userID   int64
	username string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a development bearer token",
	Long: `Sign a bearer token with the configured JWT secret. Tokens are normally
issued by the identity provider; this command exists for local development
and smoke tests.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenOpts.userID, "user", 0, "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenOpts.username, "username", "", "username claim")
	tokenCmd.Flags().DurationVar(&tokenOpts.ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	if tokenOpts.userID <= 0 {
		return errors.New("--user must be a positive id")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	issuer, err := auth.NewTokenIssuer(&cfg.Security, tokenOpts.ttl)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(tokenOpts.userID, tokenOpts.username)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
