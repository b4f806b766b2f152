package main

import (
	"github.com/spf13/cobra"

	"github.com/SimoneErba/Flumen/internal/config"
	"github.com/SimoneErba/Flumen/internal/logging"
)

var version = "0.1.0"

// options holds the flags shared by every subcommand.
type options struct {
	configPath string
	apiURL     string
	feedURL    string
	layoutPath string

	cfg config.Config
	log logging.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "flumen",
		Short:         "flumen: live graph of locations, items and connections",
		Long:          brand.Sprint("flumen") + " animates items along the connections of a Flumen backend\n" + subtle.Sprint("and mirrors edits back to it"),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	root.SetVersionTemplate("flumen {{ .Version }}\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.apiURL, "api-url", "", "backend REST base URL (overrides config)")
	flags.StringVar(&opts.feedURL, "feed-url", "", "STOMP WebSocket URL, empty string disables the feed (overrides config)")
	flags.StringVar(&opts.layoutPath, "layout", "", "layout database path (overrides config)")

	root.AddCommand(
		runCmd(opts),
		layoutCmd(opts),
		hashCmd(opts),
	)
	return root
}

// load resolves the configuration: file, then environment, then flags.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = o.apiURL
	}
	if flags.Changed("feed-url") {
		cfg.FeedURL = o.feedURL
	}
	if flags.Changed("layout") {
		cfg.LayoutPath = o.layoutPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Logging.Output = cmd.ErrOrStderr()
	o.cfg = cfg
	o.log = logging.New(cfg.Logging)
	return nil
}
