// Command inkctl administers an inkwell database directly: users, feature
// flags, secrets and expired state cleanup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/victorgomez09/inkwell/internal/app"
	"github.com/victorgomez09/inkwell/internal/auth/models"
	"github.com/victorgomez09/inkwell/internal/config"
	"github.com/victorgomez09/inkwell/internal/flags"
	"github.com/victorgomez09/inkwell/internal/logger"
	"github.com/victorgomez09/inkwell/internal/secrets"
)

// actor is recorded as the user of audit events emitted by inkctl.
const actor = "inkctl"

const usage = `usage: inkctl [-config config.yaml] <command> [flags]

commands:
  user create -username NAME -email ADDR -password PASS [-role writer]
  user list
  flag set -name NAME [-enabled] [-percentage 100] [-targets id,id]
  flag delete -name NAME
  flag list
  secret create -name NAME -value VALUE [-key KEY_ID]
  secret rotate -name NAME -value VALUE [-key KEY_ID]
  secret delete -name NAME
  secret list
  cleanup
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logManager, err := logger.Load(cfg.LogConfigs)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logManager.Close()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, app.Options{Logs: logManager})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	runErr := run(ctx, a, args)
	if err := a.Shutdown(ctx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	if runErr != nil {
		if errors.Is(runErr, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("%s: %v", strings.Join(args[:min(2, len(args))], " "), runErr)
	}
}

func run(ctx context.Context, a *app.App, args []string) error {
	sub := ""
	if len(args) > 1 {
		sub = args[1]
	}
	rest := args[min(2, len(args)):]

	switch args[0] + " " + sub {
	case "user create":
		return createUser(ctx, a, rest)
	case "user list":
		return listUsers(ctx, a)
	case "flag set":
		return setFlag(ctx, a, rest)
	case "flag delete":
		return deleteFlag(ctx, a, rest)
	case "flag list":
		return listFlags(ctx, a)
	case "secret create", "secret rotate":
		return storeSecret(ctx, a, sub, rest)
	case "secret delete":
		return deleteSecret(ctx, a, rest)
	case "secret list":
		return listSecrets(ctx, a)
	}
	if args[0] == "cleanup" {
		return cleanup(ctx, a)
	}
	flag.Usage()
	return flag.ErrHelp
}

func createUser(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("user create", flag.ContinueOnError)
	username := fs.String("username", "", "Username for the new user")
	email := fs.String("email", "", "Email address of the new user")
	password := fs.String("password", "", "Password for the new user")
	role := fs.String("role", string(models.RoleWriter), "Role for the new user (admin, writer or reader)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *email == "" || *password == "" {
		fs.Usage()
		return flag.ErrHelp
	}

	user, err := a.Auth.CreateUser(ctx, *username, *email, *password, models.Role(*role))
	if err != nil {
		return err
	}
	fmt.Printf("Successfully created user '%s' with role '%s' (id %s)\n", user.Username, user.Role, user.ID)
	return nil
}

func listUsers(ctx context.Context, a *app.App) error {
	users, err := a.Auth.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No users found in database")
		return nil
	}

	fmt.Println("----------------------------------------")
	fmt.Printf("%-36s %-20s %-8s %-20s\n", "ID", "Username", "Role", "Created At")
	fmt.Println("----------------------------------------")
	for _, u := range users {
		fmt.Printf("%-36s %-20s %-8s %-20s\n",
			u.ID,
			u.Username,
			u.Role,
			u.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

func setFlag(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("flag set", flag.ContinueOnError)
	name := fs.String("name", "", "Flag name")
	enabled := fs.Bool("enabled", false, "Whether the flag is on")
	percentage := fs.Int("percentage", 100, "Rollout percentage (0-100)")
	targets := fs.String("targets", "", "Comma-separated user ids that always see the flag")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		fs.Usage()
		return flag.ErrHelp
	}

	var ids []string
	for _, id := range strings.Split(*targets, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	f, err := a.Flags.Upsert(ctx, actor, *name, flags.Options{
		Enabled:           *enabled,
		RolloutPercentage: *percentage,
		TargetUsers:       ids,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Flag '%s': enabled=%t rollout=%d%% targets=%d\n", f.Name, f.Enabled, f.RolloutPercentage, len(f.TargetUsers))
	return nil
}

func deleteFlag(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("flag delete", flag.ContinueOnError)
	name := fs.String("name", "", "Flag name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.Flags.Delete(ctx, actor, *name); err != nil {
		return err
	}
	fmt.Printf("Deleted flag '%s'\n", *name)
	return nil
}

func listFlags(ctx context.Context, a *app.App) error {
	list, err := a.Flags.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No feature flags defined")
		return nil
	}
	fmt.Printf("%-30s %-8s %-8s %s\n", "Name", "Enabled", "Rollout", "Targets")
	for _, f := range list {
		fmt.Printf("%-30s %-8t %-8d %s\n", f.Name, f.Enabled, f.RolloutPercentage, strings.Join(f.TargetUsers, ","))
	}
	return nil
}

func storeSecret(ctx context.Context, a *app.App, op string, args []string) error {
	fs := flag.NewFlagSet("secret "+op, flag.ContinueOnError)
	name := fs.String("name", "", "Secret name")
	raw := fs.String("value", "", "Plaintext value")
	keyID := fs.String("key", a.Config.Secrets.DefaultKeyID, "Key id to encrypt with")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *raw == "" {
		fs.Usage()
		return flag.ErrHelp
	}

	value := secrets.NewValue(*raw)
	defer value.Wipe()

	var (
		meta secrets.Metadata
		err  error
	)
	if op == "rotate" {
		meta, err = a.Secrets.Rotate(ctx, actor, *name, value, *keyID)
	} else {
		meta, err = a.Secrets.Create(ctx, actor, *name, value, *keyID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Secret '%s' sealed with key '%s' (previous generation kept: %t)\n", meta.Name, meta.KeyID, meta.HasPrevious)
	return nil
}

func deleteSecret(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("secret delete", flag.ContinueOnError)
	name := fs.String("name", "", "Secret name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	deleted, err := a.DB.DeleteSecret(ctx, *name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("secret %q not found", *name)
	}
	fmt.Printf("Deleted secret '%s'\n", *name)
	return nil
}

func listSecrets(ctx context.Context, a *app.App) error {
	list, err := a.Secrets.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No secrets stored")
		return nil
	}
	maxAge := a.Config.Maintenance.SecretMaxAgeDays
	fmt.Printf("%-30s %-12s %-20s %s\n", "Name", "Key", "Rotated At", "Rotation Due")
	for _, m := range list {
		fmt.Printf("%-30s %-12s %-20s %t\n",
			m.Name,
			m.KeyID,
			m.RotatedAt.Format("2006-01-02 15:04:05"),
			a.Secrets.NeedsRotation(m, maxAge),
		)
	}
	return nil
}

func cleanup(ctx context.Context, a *app.App) error {
	rep, err := a.Janitor.RunOnce(ctx)
	fmt.Printf("Removed %d sessions, %d one-time tokens and %d rate limit buckets\n", rep.Sessions, rep.Tokens, rep.Buckets)
	if len(rep.SecretsDue) > 0 {
		fmt.Printf("Secrets due for rotation: %s\n", strings.Join(rep.SecretsDue, ", "))
	}
	return err
}
