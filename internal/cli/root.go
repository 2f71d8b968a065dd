package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgefn/gemini-relay/internal/config"
	"github.com/edgefn/gemini-relay/internal/relayserver"
	"github.com/edgefn/gemini-relay/internal/version"
)

func Run(args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "gemini-relay",
		Short:         "Keyless Gemini prompt relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayserver.Run(cfgPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config yaml path (optional, env-only works)")

	cmd.AddCommand(
		newCheckCmd(&cfgPath),
		newVersionCmd(),
	)
	return cmd
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and exit (no network)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// nginx-like: `gemini-relay check ./relay.yaml`
			path := *cfgPath
			if len(args) == 1 && args[0] != "" {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			fmt.Println("ok: config")
			fmt.Printf("ok: upstream %s model=%s\n", cfg.Upstream.BaseURL, cfg.Upstream.Model)
			if cfg.Upstream.APIKey == "" {
				fmt.Println("warning: no API key configured (set GEMINI_API_KEY)")
			} else {
				fmt.Println("ok: api key present")
			}
			fmt.Println("configuration ok")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Get())
			return nil
		},
	}
}
