package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/resellermentor/pkg/api/client"
)

var buildVersion = "dev"

const requestTimeout = 30 * time.Second

func main() {
	if err := newRootCmd(os.Stdout, promptPassword).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	out      io.Writer
	apiBase  string
	password func() (string, error)
}

func newRootCmd(out io.Writer, password func() (string, error)) *cobra.Command {
	c := &cli{out: out, password: password}
	root := &cobra.Command{
		Use:           "mentor",
		Short:         "Command line access to Reseller Mentor",
		Version:       strings.TrimSpace(buildVersion),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.apiBase, "api", "", "API base URL (default http://localhost:4000)")

	root.AddCommand(
		c.signupCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.analyzeCmd(),
		c.askCmd(),
		c.bidCmd(),
		c.waitlistCmd(),
	)
	return root
}

func (c *cli) signupCmd() *cobra.Command {
	var email, password, promo string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and get a checkout link",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			secret, err := c.secret(password)
			if err != nil {
				return err
			}
			client, _, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := client.Signup(ctx, email, secret, promo)
			if err != nil {
				return err
			}
			switch {
			case res.CheckoutURL != "":
				fmt.Fprintf(c.out, "complete checkout at: %s\n", res.CheckoutURL)
			case res.Redirect != "":
				fmt.Fprintf(c.out, "%s: continue at %s\n", res.Outcome, res.Redirect)
			default:
				fmt.Fprintln(c.out, res.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password (supply to avoid prompt)")
	cmd.Flags().StringVar(&promo, "promo", "", "Promotion code")
	return cmd
}

func (c *cli) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			secret, err := c.secret(password)
			if err != nil {
				return err
			}
			client, cfg, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := client.Login(ctx, email, secret)
			if err != nil {
				return err
			}
			if res.Session == nil || res.Session.AccessToken == "" {
				fmt.Fprintf(c.out, "no active membership; sign up with 'mentor signup --email %s'\n", email)
				return nil
			}
			cfg.AccessToken = res.Session.AccessToken
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "login successful")
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password (supply to avoid prompt)")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.AccessToken = ""
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "logged out")
			return nil
		},
	}
}

func (c *cli) analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <supplier-url>",
		Short: "Score how trustworthy a supplier website looks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			report, err := client.AnalyzeSupplier(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s\ntrust score: %d/100 (%s risk)\nscam mentions: %s\n\n%s\n",
				report.Domain, report.TrustScore, report.RiskLevel, report.ScamMentions, report.Summary)
			printList(c.out, "positives", report.Positives)
			printList(c.out, "red flags", report.RedFlags)
			printList(c.out, "notes", report.Notes)
			return nil
		},
	}
}

func (c *cli) askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the reselling mentor a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := c.client()
			if err != nil {
				return err
			}
			token := strings.TrimSpace(cfg.AccessToken)
			if token == "" {
				return errors.New("please login first using 'mentor login'")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			answer, err := client.AskMentor(ctx, token, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, answer.Formatted)
			if answer.Quota > 0 {
				fmt.Fprintf(c.out, "\n(%d of %d questions used this month)\n", answer.Usage, answer.Quota)
			}
			return nil
		},
	}
}

func (c *cli) bidCmd() *cobra.Command {
	var input apiclient.BidInput
	var fee float64
	cmd := &cobra.Command{
		Use:   "bid",
		Short: "Work out starting bids for a lot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("fee") {
				input.PlatformFeePercent = &fee
			}
			client, _, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := client.StartBid(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "all-in cost per item: $%.2f\n", res.AllInCost)
			fmt.Fprintf(c.out, "start bid:            $%.2f - $%.2f\n", res.SuggestedLow, res.SuggestedHigh)
			fmt.Fprintf(c.out, "net profit per item:  $%.2f - $%.2f (%d%% - %d%% ROI)\n", res.NetProfitLow, res.NetProfitHigh, res.ROILow, res.ROIHigh)
			fmt.Fprintf(c.out, "lot potential:        $%.2f - $%.2f\n", res.PotentialLow, res.PotentialHigh)
			return nil
		},
	}
	cmd.Flags().Float64Var(&input.LotCost, "lot", 0, "Lot cost")
	cmd.Flags().Float64Var(&input.ShippingCost, "shipping", 0, "Shipping cost")
	cmd.Flags().Float64Var(&input.TotalItems, "items", 0, "Number of items in the lot")
	cmd.Flags().Float64Var(&fee, "fee", 15, "Platform fee percent")
	_ = cmd.MarkFlagRequired("lot")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

func (c *cli) waitlistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "waitlist <email>",
		Short: "Join the waitlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.JoinWaitlist(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "you're on the waitlist")
			return nil
		},
	}
}

func (c *cli) client() (*apiclient.Client, cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cliConfig{}, err
	}
	if strings.TrimSpace(c.apiBase) != "" {
		cfg.APIBaseURL = c.apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, cliConfig{}, err
	}
	return client, cfg, nil
}

func (c *cli) secret(flagValue string) (string, error) {
	if secret := strings.TrimSpace(flagValue); secret != "" {
		return secret, nil
	}
	return c.password()
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(bytes), nil
}

func printList(out io.Writer, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(out, "  - %s\n", item)
	}
}
