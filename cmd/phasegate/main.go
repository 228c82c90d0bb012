package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phasegate/internal/app"
	"phasegate/internal/config"
	"phasegate/internal/domain"
	"phasegate/internal/identity"
	"phasegate/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "phasegate",
	Short: "Phasegate CLI",
	Long: `Phasegate moves projects through BA Phase, Ideation Phase and WBS Phase.
- Documents: each phase collects documents (BRD and Walkthrough links, or High Level Breakdown / WBS rows).
- Sign-off: an authorized role signs off a document from the timeline; when every document of the current phase is signed off the project is promoted.
- Roles: the caller's role decides what it may submit, sign off and see.
- Workspace: phasegate.yml plus the .phasegate state directory for the embedded store.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.Bool("verbose", false, "log at the configured level instead of warn")
	flags.String("actor-email", "", "email of the acting user")
	flags.String("actor-id", "", "id of the acting user (defaults to the email)")
	flags.String("actor-role", "", "role asserted for the acting user")
	flags.String("store-driver", "", "override store.driver (memory, sqlite, postgres, mongo)")
	flags.String("store-dsn", "", "override store.dsn")
	for _, name := range []string{"workspace", "json", "verbose", "actor-email", "actor-id", "actor-role", "store-driver", "store-dsn"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(signOffCmd())
	rootCmd.AddCommand(breakdownCmd())
	rootCmd.AddCommand(developerCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phasegate.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspace)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect phasegate.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Server.JWTSecret != "" {
				c.Server.JWTSecret = "***"
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

// --- helpers ---

// loadConfig reads phasegate.yml when present, falls back to defaults, then
// applies flag and PHASEGATE_* overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(workspace)
	}
	if cfg.Store.Workspace == "" || cfg.Store.Workspace == "." {
		cfg.Store.Workspace = workspace
	}
	if v := viper.GetString("store-driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("store-dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("nats-url"); v != "" {
		cfg.Notify.NATSURL = v
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	if !viper.GetBool("verbose") && cfg.Log.File == "" && log.GetLevel() > logrus.WarnLevel {
		log.SetLevel(logrus.WarnLevel)
	}
	return log, nil
}

func cliActor() domain.Actor {
	return domain.Actor{
		ID:    viper.GetString("actor-id"),
		Email: viper.GetString("actor-email"),
		Role:  domain.Role(viper.GetString("actor-role")),
	}
}

// withRuntime opens the configured store and runs fn with an engine acting as the
// CLI actor.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Engine.Identity = identity.Static{Actor: cliActor()}
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
