package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dcm-project/gpu-node-provisioner/internal/client"
	"github.com/dcm-project/gpu-node-provisioner/internal/constants"
	"github.com/dcm-project/gpu-node-provisioner/internal/service"
	"github.com/dcm-project/gpu-node-provisioner/internal/store/model"
)

func newAddNodeCmd(opts *globalOptions) *cobra.Command {
	args := service.ServerArgs{}
	cmd := &cobra.Command{
		Use:   "add-node",
		Short: "Bootstrap a cluster node and add it to the inventory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			server, err := client.New(opts.url).AddServer(cmd.Context(), args, func(event service.ProgressEvent) {
				fmt.Fprintf(out, "[%s] %s\n", event.Stage, event.Detail)
			})
			if err != nil {
				return err
			}
			if server != nil {
				return printGPUs(out, server.GPUs)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&args.Name, "name", "", "node name")
	flags.StringVar(&args.Validator, "validator", "", "validator hotkey owning the node")
	flags.Float64Var(&args.HourlyCost, "hourly-cost", 0, "hourly cost of the node")
	flags.StringVar(&args.GPUShortRef, "gpu-short-ref", "", fmt.Sprintf("gpu model, one of %v", constants.GPUShortRefs))
	for _, name := range []string{"name", "validator", "hourly-cost", "gpu-short-ref"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newDeleteNodeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-node <server id or name>",
		Short: "Remove a server from the inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client.New(opts.url).DeleteServer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted server %s (%s)\n", result["name"], result["server_id"])
			return nil
		},
	}
}

func newInventoryCmd(opts *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List servers in the inventory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			servers, err := client.New(opts.url).ListServers(cmd.Context())
			if err != nil {
				return err
			}
			return printServers(cmd.OutOrStdout(), servers, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func printServers(out io.Writer, servers model.ServerList, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(servers)
	case "yaml":
		// round trip through json so yaml keys follow the json tags
		raw, err := json.Marshal(servers)
		if err != nil {
			return err
		}
		var generic []map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		encoder := yaml.NewEncoder(out)
		defer encoder.Close()
		return encoder.Encode(generic)
	case "table":
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSERVER ID\tVALIDATOR\tSTATUS\tIP\tPORT\tGPUS\tHOURLY COST")
		for _, server := range servers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%.2f\n",
				server.Name,
				server.ServerID,
				server.Validator,
				server.Status,
				stringOrDash(server.IPAddress),
				intOrDash(server.VerificationPort),
				server.GPUCount,
				server.HourlyCost,
			)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printGPUs(out io.Writer, gpus []model.GPU) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GPU ID\tNAME\tMEMORY\tCLOCK RATE\tPROCESSORS\tMAJOR\tMINOR")
	for _, gpu := range gpus {
		fmt.Fprintf(w, "%s\t%s\t%d\t%g\t%d\t%d\t%d\n",
			gpu.GPUID, gpu.Name, gpu.Memory, gpu.ClockRate, gpu.Processors, gpu.Major, gpu.Minor)
	}
	return w.Flush()
}

func stringOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func intOrDash(i *int) string {
	if i == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *i)
}
