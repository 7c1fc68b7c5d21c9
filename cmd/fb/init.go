package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/daviddao/finbrief/internal/auth"
	"github.com/daviddao/finbrief/internal/config"
	"github.com/daviddao/finbrief/internal/db"
	"github.com/daviddao/finbrief/internal/display"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var initGmail bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and database, optionally authorize Gmail",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.RulesDir(), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		s, err := db.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		s.Close()
		if !quietFlag {
			display.SuccessMsg("Initialized finbrief at %s", cfg.Home)
		}

		if !initGmail {
			return nil
		}
		oc, err := auth.LoadConfig(cfg.GmailCredentials)
		if err != nil {
			return err
		}
		fmt.Println("Open this URL, approve access, and paste the code shown:")
		fmt.Println()
		fmt.Println("  " + auth.AuthURL(oc, uuid.NewString()))
		fmt.Println()
		fmt.Print("Code: ")
		code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && code == "" {
			return fmt.Errorf("read code: %w", err)
		}
		if err := auth.Exchange(cmd.Context(), oc, code, cfg.TokenPath()); err != nil {
			return err
		}
		display.SuccessMsg("Gmail authorized, token saved to %s", cfg.TokenPath())
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initGmail, "gmail", false, "Run the Gmail OAuth consent flow")
	rootCmd.AddCommand(initCmd)
}
