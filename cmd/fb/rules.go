package main

import (
	"fmt"
	"strings"

	"github.com/daviddao/finbrief/internal/display"
	"github.com/daviddao/finbrief/internal/organic"
	"github.com/daviddao/finbrief/internal/rules"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and grow the relevance rules",
}

type rulesOutput struct {
	Dir      string           `json:"dir"`
	Baseline *rules.Baseline  `json:"baseline"`
	User     *rules.UserRules `json:"user,omitempty"`
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show baseline and user rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := app.Rules.Baseline()
		if err != nil {
			return err
		}
		u, err := app.Rules.User()
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), rulesOutput{Dir: app.Rules.Dir(), Baseline: b, User: u})
		}

		display.Header("Rules")
		fmt.Println(display.Dim.Render("  " + app.Rules.Dir()))
		fmt.Println()
		display.SubHeader(fmt.Sprintf("Baseline (version %s)", b.Version))
		fmt.Printf("  %d relevant senders, %d ignored, %d subject keywords, %d body keywords, %d categories\n",
			len(b.RelevantSenders), len(b.IgnoredSenders), len(b.SubjectKeywords), len(b.BodyKeywords), len(b.Categories))
		fmt.Println()
		if u == nil {
			display.WarnMsg("No user rules yet. Run `fb rules build` after the first sync.")
			return nil
		}
		display.SubHeader(fmt.Sprintf("User (version %d, refreshed %s)", u.Version, display.TimeAgo(u.LastRefreshedAt)))
		fmt.Printf("  %d relevant senders, %d ignored, %d subject keywords, %d body keywords\n",
			len(u.RelevantSenders), len(u.IgnoredSenders), len(u.SubjectKeywords), len(u.BodyKeywords))
		if len(u.PendingReview) > 0 {
			fmt.Println()
			display.SubHeader(fmt.Sprintf("Pending review (%d)", len(u.PendingReview)))
			for _, s := range u.PendingReview {
				fmt.Println("  " + s)
			}
			fmt.Println(display.Dim.Render("  approve with `fb rules approve ADDR`, drop with `fb rules ignore ADDR`"))
		}
		return nil
	},
}

var rulesBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build user rules from the full message history",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := app.Builder()
		if err != nil {
			return err
		}
		st, err := b.Bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		return printStats(cmd, st)
	},
}

var rulesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Label senders seen since the last refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := app.Builder()
		if err != nil {
			return err
		}
		st, err := b.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		return printStats(cmd, st)
	},
}

var rulesApproveCmd = &cobra.Command{
	Use:   "approve <address>...",
	Short: "Confirm pending-review senders as relevant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := userRules()
		if err != nil {
			return err
		}
		for _, addr := range args {
			if !u.Approve(addr) {
				display.WarnMsg("%s was not pending review", addr)
			}
		}
		if err := app.Rules.SaveUser(u); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Approved %s", strings.Join(args, ", "))
		}
		return nil
	},
}

var rulesIgnoreCmd = &cobra.Command{
	Use:   "ignore <address>...",
	Short: "Never treat these senders as relevant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := userRules()
		if err != nil {
			return err
		}
		for _, addr := range args {
			u.Ignore(addr)
		}
		if err := app.Rules.SaveUser(u); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Ignoring %s. Run `fb classify --rerun` to apply to stored mail.", strings.Join(args, ", "))
		}
		return nil
	},
}

// userRules loads the user rule set, starting an empty one if none exists.
func userRules() (*rules.UserRules, error) {
	u, err := app.Rules.User()
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = &rules.UserRules{}
	}
	return u, nil
}

func printStats(cmd *cobra.Command, st *organic.Stats) error {
	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), st)
	}
	if quietFlag {
		return nil
	}
	display.SuccessMsg("Rules %s: %d senders, %d unknown, %d new relevant", st.Mode, st.Senders, st.Unknown, st.NewRelevant)
	fmt.Printf("  %d batch(es), %d failed, %d subject / %d body keywords, %d tokens\n",
		st.Batches, st.FailedBatches, st.SubjectKeywords, st.BodyKeywords, st.TokensUsed)
	if st.FailedBatches > 0 {
		display.WarnMsg("%d batch(es) failed; run `fb rules build` again to label those senders", st.FailedBatches)
	}
	return nil
}

func init() {
	rulesCmd.AddCommand(rulesShowCmd, rulesBuildCmd, rulesRefreshCmd, rulesApproveCmd, rulesIgnoreCmd)
	rootCmd.AddCommand(rulesCmd)
}
