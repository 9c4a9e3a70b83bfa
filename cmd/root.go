package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/hierynomus/taipan"
	home "github.com/mitchellh/go-homedir"
	"github.com/rb3ckers/storefetch/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version string
	Commit  string
	Date    string
)

var EnvPrefix = "STOREFETCH"

func RootCommand(cfg *config.Config) *cobra.Command {
	var (
		verbosity int
		flags     requestFlags
	)

	cmd := &cobra.Command{
		Use:   "storefetch [endpoint]",
		Short: "Fetches a storefront API endpoint",
		Long: `
Issues one request against the storefront API and prints the result:
* the endpoint is resolved against the configured base URL
* image fields in the response are rewritten to absolute URLs
* failures are reported as a single readable message

Press Ctrl-C to cancel a request that is still loading.
`,
		Version: fmt.Sprintf("%s (Built on: %s, Commit: %s)", Version, Date, Commit),
		Args:    cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch verbosity {
			case 0:
				// Nothing to do
			case 1:
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			case 2: //nolint:gomnd
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			default:
				zerolog.SetGlobalLevel(zerolog.TraceLevel)
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.description(args[0])
			if err != nil {
				return err
			}

			return RunRequest(cmd.Context(), cfg, d, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Print more verbose logging")

	cmd.Flags().String("base-url", "http://localhost:8080", "Base URL of the storefront API")
	cmd.Flags().String("image-base-url", "", "Base URL prepended to image fields. Leave empty to use the base URL")
	cmd.Flags().String("image-path", "", "Path segment inserted between the image base URL and the image name, e.g. 'image'")
	cmd.Flags().Bool("rewrite-images", true, "Rewrite image fields in responses to absolute URLs")
	cmd.Flags().Int("timeout-ms", 10000, "Abort a request after this many milliseconds") //nolint:gomnd
	cmd.Flags().String("username", "", "Username sent with requests that include credentials.")
	cmd.Flags().String("password", "", "Password sent with requests that include credentials.")
	cmd.Flags().String("passwordFile", "", "Provide a file that contains the username/password sent with requests that include credentials. Contains 1 username/password combination separated by ':'.")
	cmd.Flags().Bool("single-flight", true, "Cancel the previous request of a call site when it starts a new one")
	cmd.Flags().Bool("share-gets", false, "Share identical in-flight GET requests that carry no credentials")
	cmd.Flags().Bool("breaker", false, "Stop calling the API after repeated network failures")
	cmd.Flags().Int("breaker-failures", 5, "Consecutive network failures that open the breaker")      //nolint:gomnd
	cmd.Flags().Int("breaker-cooldown", 60, "Seconds the breaker stays open before probing the API") //nolint:gomnd

	flags.register(cmd)

	return cmd
}

func Execute(ctx context.Context) {
	cfg := config.Default()
	cmd := RootCommand(cfg)

	homeFolder, err := home.Expand("~/.storefetch")
	if err != nil {
		fmt.Printf("%s", err)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.ErrorLevel)

	taipanConfig := &taipan.Config{
		DefaultConfigName:  "storefetch",
		ConfigurationPaths: []string{".", homeFolder},
		EnvironmentPrefix:  EnvPrefix,
		AddConfigFlag:      true,
		ConfigObject:       cfg,
		PrefixCommands:     true,
	}

	t := taipan.New(taipanConfig)
	t.Inject(cmd)

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "🎃 %s\n", err)
		os.Exit(1)
	}
}
