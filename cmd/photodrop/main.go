package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"photodrop/internal/app"
	"photodrop/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads the config, creates an App for operation, runs fn and
// closes the App. operation identifies the command in the log (e.g. "Serve").
func withApp(ctx context.Context, operation string, fn func(*app.App) error) error {
	defaults, err := app.GetDefaults()
	if err != nil {
		return fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.Load(defaults.ConfigPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(ctx, cfg, operation)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	err = fn(a)
	a.Operation().Fail(err)
	return err
}

var rootCmd = &cobra.Command{
	Use:           "photodrop",
	Short:         "Share photos as expiring zip downloads",
	SilenceUsage:  true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		fmt.Printf("Next: run `photodrop keygen` and export %sSIGNING_SECRET\n", config.EnvPrefix)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.Load(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		secret := "not set"
		if cfg.Download.SigningSecret != "" {
			secret = "set"
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Base Dir:\t%s\n", cfg.BaseDir)
		fmt.Fprintf(w, "Log Dir:\t%s\n", cfg.LogDir)
		fmt.Fprintf(w, "Listen:\t%s\n", cfg.Server.Listen)
		fmt.Fprintf(w, "Base URL:\t%s\n", cfg.Server.BaseURL)
		fmt.Fprintf(w, "Signing Secret:\t%s\n", secret)
		fmt.Fprintf(w, "Link Validity:\t%s\n", cfg.Download.Validity.Duration)
		fmt.Fprintf(w, "Cache Retention:\t%s\n", cfg.Download.Retention.Duration)
		fmt.Fprintf(w, "Cache Dir:\t%s\n", cfg.Download.CacheDir)
		fmt.Fprintf(w, "Object Store:\t%s\n", cfg.ObjectStore.Type)
		fmt.Fprintf(w, "Database:\t%s\n", cfg.Database.Type)
		fmt.Fprintf(w, "Mail:\t%s\n", cfg.Mail.Type)
		return w.Flush()
	},
}

// keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing secret for download links",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := app.GenerateSecret()
		if err != nil {
			return err
		}

		// Piped output stays bare so it can be captured by scripts.
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Println(secret)
			return nil
		}
		fmt.Printf("%sSIGNING_SECRET=%s\n\n", config.EnvPrefix, secret)
		fmt.Println("Keep this secret out of the config file. Changing it invalidates every issued link.")
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve download links",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp(ctx, "Serve", func(a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

// photo command
var photoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Manage photos",
}

var photoAddCmd = &cobra.Command{
	Use:   "add FILE...",
	Short: "Upload photos",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name != "" && len(args) > 1 {
			return fmt.Errorf("--name can only be used with a single file")
		}

		return withApp(cmd.Context(), "AddPhoto", func(a *app.App) error {
			for _, path := range args {
				item, err := a.AddPhoto(cmd.Context(), path, name)
				if err != nil {
					return fmt.Errorf("adding %s: %w", path, err)
				}
				fmt.Printf("%s  %s\n", item.ID, item.DisplayName)
			}
			return nil
		})
	},
}

var photoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded photos",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd.Context(), "ListPhotos", func(a *app.App) error {
			items, err := a.ListPhotos(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No photos.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					it.ID,
					it.DisplayName,
					it.Size,
					it.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

// link command
var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Manage download links",
}

var linkIssueCmd = &cobra.Command{
	Use:   "issue PHOTO_ID...",
	Short: "Issue a download link and mail it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")

		return withApp(cmd.Context(), "IssueLink", func(a *app.App) error {
			link, err := a.IssueLink(cmd.Context(), args, to)
			if link != nil {
				fmt.Println(link.URL)
				fmt.Printf("Expires: %s\n", link.ExpiresAt.Local().Format(time.RFC1123))
			}
			return err
		})
	},
}

var linkInspectCmd = &cobra.Command{
	Use:   "inspect TOKEN",
	Short: "Show what a download link contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Accept a full URL as well as a bare token.
		raw := args[0]
		if i := strings.LastIndex(raw, "/download/"); i >= 0 {
			raw = raw[i+len("/download/"):]
		}

		return withApp(cmd.Context(), "InspectLink", func(a *app.App) error {
			info, err := a.InspectLink(raw)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "URL:\t%s\n", info.URL)
			fmt.Fprintf(w, "Photos:\t%s\n", strings.Join(info.ItemIDs, ", "))
			fmt.Fprintf(w, "Issued:\t%s\n", info.IssuedAt.Local().Format(time.RFC1123))
			fmt.Fprintf(w, "Expires:\t%s\n", info.ExpiresAt.Local().Format(time.RFC1123))
			fmt.Fprintf(w, "Cache Key:\t%s\n", info.CacheKey)
			fmt.Fprintf(w, "Cache:\t%s", info.Cache.State)
			if info.Cache.Path != "" {
				fmt.Fprintf(w, " (%d bytes, built %s)", info.Cache.Size, info.Cache.CreatedAt.Local().Format(time.RFC1123))
			}
			fmt.Fprintln(w)
			return w.Flush()
		})
	},
}

// cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the archive cache",
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), "SweepCache", func(a *app.App) error {
			removed, err := a.SweepCache()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d stale archive(s)\n", removed)
			return nil
		})
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// photo subcommands
	photoCmd.AddCommand(photoAddCmd)
	photoAddCmd.Flags().String("name", "", "Name shown inside archives (single file only)")
	photoCmd.AddCommand(photoListCmd)
	photoListCmd.Flags().IntP("limit", "n", 50, "Maximum number of photos to show (0 for all)")

	// link subcommands
	linkCmd.AddCommand(linkIssueCmd)
	linkIssueCmd.Flags().String("to", "", "Recipient email address")
	linkIssueCmd.MarkFlagRequired("to")
	linkCmd.AddCommand(linkInspectCmd)

	// cache subcommands
	cacheCmd.AddCommand(cacheSweepCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(photoCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(cacheCmd)
}
