package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/JoeProAI/neural-weights-hub/pkg/api/client"
	"github.com/JoeProAI/neural-weights-hub/pkg/config"
	jwtpkg "github.com/JoeProAI/neural-weights-hub/pkg/jwt"
)

var buildVersion = "dev"

const devTokenTTL = 30 * 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	config.LoadDotEnv()
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "sandbox":
		err = commandSandbox(args)
	case "usage":
		err = commandUsage(args)
	case "apps":
		err = commandApps(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Firebase ID token (prompted when omitted)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	devUser := fs.String("dev-user", "", "Mint a dev-mode token for this user id using DEV_AUTH_SECRET")
	email := fs.String("email", "", "Email for --dev-user tokens")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}

	secret := strings.TrimSpace(*token)
	switch {
	case strings.TrimSpace(*devUser) != "":
		devSecret := config.GetString("DEV_AUTH_SECRET", "")
		if devSecret == "" {
			return errors.New("DEV_AUTH_SECRET must be set to mint a dev token")
		}
		minted, err := jwtpkg.GenerateToken(strings.TrimSpace(*devUser), *email, "", devSecret, devTokenTTL)
		if err != nil {
			return fmt.Errorf("mint dev token: %w", err)
		}
		secret = minted
	case secret == "":
		fmt.Print("ID token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("a token is required")
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	user, err := client.Me(ctx, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s plan)\n", displayUser(user), user.Plan)
	return nil
}

func commandSandbox(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: nwh sandbox [list|create|start|stop|delete|cleanup]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return sandboxList(args[1:])
	case "create":
		return sandboxCreate(args[1:])
	case "start", "stop", "delete":
		return sandboxAction(sub, args[1:])
	case "cleanup":
		return sandboxCleanup(args[1:])
	default:
		return fmt.Errorf("unknown sandbox command: %s", sub)
	}
}

func sandboxList(args []string) error {
	fs := flag.NewFlagSet("sandbox list", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := client.ListSandboxes(ctx, token)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPLAN\tCREATED")
	for _, sb := range list.Sandboxes {
		name := sb.Name
		if sb.Protected {
			name += " (protected)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", sb.ID, name, sb.State, sb.Plan, sb.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func sandboxCreate(args []string) error {
	fs := flag.NewFlagSet("sandbox create", flag.ExitOnError)
	name := fs.String("name", "", "Sandbox name")
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sb, err := client.CreateSandbox(ctx, token, *name)
	if err != nil {
		return err
	}
	fmt.Printf("sandbox created: %s (%s) state=%s cpu=%d mem=%dGB\n", sb.ID, sb.Name, sb.State, sb.CPU, sb.Memory)
	return nil
}

func sandboxAction(action string, args []string) error {
	fs := flag.NewFlagSet("sandbox "+action, flag.ExitOnError)
	id := fs.String("id", "", "Sandbox identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" && fs.NArg() > 0 {
		*id = fs.Arg(0)
	}
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch action {
	case "start":
		sb, err := client.StartSandbox(ctx, token, *id)
		if err != nil {
			return err
		}
		fmt.Printf("sandbox %s state=%s\n", sb.ID, sb.State)
	case "stop":
		sb, err := client.StopSandbox(ctx, token, *id)
		if err != nil {
			return err
		}
		fmt.Printf("sandbox %s state=%s\n", sb.ID, sb.State)
	case "delete":
		if err := client.DeleteSandbox(ctx, token, *id); err != nil {
			return err
		}
		fmt.Printf("sandbox %s deleted\n", *id)
	}
	return nil
}

func sandboxCleanup(args []string) error {
	fs := flag.NewFlagSet("sandbox cleanup", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := client.Cleanup(ctx, token)
	if err != nil {
		return err
	}
	for _, res := range report.Results {
		line := fmt.Sprintf("%s\t%s", res.ID, res.Status)
		if res.Error != "" {
			line += "\t" + res.Error
		}
		fmt.Println(line)
	}
	fmt.Printf("eligible=%d deleted=%d failed=%d remaining=%d\n", report.Eligible, report.Deleted, report.Failed, report.Remaining)
	return nil
}

func commandUsage(args []string) error {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	summary, err := client.Usage(ctx, token)
	if err != nil {
		return err
	}
	fmt.Printf("plan: %s (period from %s)\n", summary.Plan, summary.PeriodStart.Format("2006-01-02"))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tUSED\tINCLUDED\tPERCENT")
	for _, metric := range []string{"api_calls", "sandbox_hours", "deployments"} {
		included := "unlimited"
		if limit := summary.Caps[metric]; limit >= 0 {
			included = fmt.Sprintf("%g", limit)
		}
		fmt.Fprintf(tw, "%s\t%g\t%s\t%.1f%%\n", metric, summary.Usage[metric], included, summary.Percentages[metric])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("estimated cost: $%.2f\n", summary.EstimatedCost)
	return nil
}

func commandApps(args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return errors.New("usage: nwh apps list")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	apps, err := client.ListApps(ctx, token)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tMODEL\tSTATUS\tURL")
	for _, app := range apps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", app.ID, app.AppName, app.AppType, app.ModelType, app.Status, app.URL)
	}
	return tw.Flush()
}

// session loads the stored credentials and builds a client.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'nwh login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func displayUser(u apiclient.User) string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

func printUsage() {
	fmt.Printf("nwh CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	nwh login [--token <id-token>] [--api http://localhost:4000]
	nwh login --dev-user <user-id> [--email user@example.com]
	nwh sandbox list
	nwh sandbox create [--name <name>]
	nwh sandbox start|stop|delete --id <sandbox-id>
	nwh sandbox cleanup
	nwh usage
	nwh apps list
	nwh version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
