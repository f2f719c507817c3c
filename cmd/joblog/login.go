package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joblog/joblog/internal/auth"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the bearer token used to talk to the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := authManager()
		if err != nil {
			return err
		}
		if err := mgr.Login(loginToken, cfg.API.URL); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s\n", cfg.API.URL)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := authManager()
		if err != nil {
			return err
		}
		if !mgr.IsAuthenticated() {
			fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
			return nil
		}
		if err := mgr.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Bearer token issued by the backend")
	loginCmd.MarkFlagRequired("token")
}

func authManager() (*auth.Manager, error) {
	dir, err := auth.DefaultConfigDir()
	if err != nil {
		return nil, err
	}
	return auth.NewManager(dir)
}
