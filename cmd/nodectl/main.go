package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type globalOptions struct {
	url string
}

func (o *globalOptions) addFlags(fs *pflag.FlagSet) {
	defaultURL := os.Getenv("NODECTL_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8082"
	}
	fs.StringVar(&o.url, "url", defaultURL, "base URL of the provisioner API")
}

func main() {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "nodectl",
		Short:         "Manage GPU nodes of the miner inventory",
		SilenceUsage:  true,
	}
	opts.addFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newAddNodeCmd(opts),
		newDeleteNodeCmd(opts),
		newInventoryCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
