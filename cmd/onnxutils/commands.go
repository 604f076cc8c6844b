package main

import (
	"fmt"
	"io"

	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx"
	"github.com/gomlx/onnxutils/onnx2gomlx"
	"github.com/gomlx/onnxutils/optim"
	"github.com/gomlx/onnxutils/quantization"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect model.onnx",
		Short: "Prints the inputs, outputs, initializers and nodes of an ONNX model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := onnx.ReadFile(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), model)
			return err
		},
	}
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "YAML file with the pipeline configuration. Flags override its values.")
	cmd.Flags().StringSlice("passes", defaultPasses, "Comma separated list of optimizer passes to run, in order.")
}

func optimizeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize model.onnx -o optimized.onnx",
		Short: "Runs the optimizer passes on an ONNX model and writes the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCommand(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Output == "" {
				return errors.New("missing output file, set it with -o or in the config file")
			}
			model, err := onnx.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := optimizeModel(model, cfg); err != nil {
				return err
			}
			if err := model.WriteFile(cfg.Output); err != nil {
				return err
			}
			klog.V(1).Infof("onnxutils: wrote %q", cfg.Output)
			return nil
		},
	}
	addPipelineFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "File to write the optimized model to.")
	return cmd
}

func convertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert model.onnx",
		Short: "Optimizes an ONNX model, lowers it to a GoMLX module graph and prints it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCommand(cmd.Flags())
			if err != nil {
				return err
			}
			model, err := onnx.ReadFile(args[0])
			if err != nil {
				return err
			}
			mg, err := convertModel(model, cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), mg)
			return err
		},
	}
	addPipelineFlags(cmd)
	cmd.Flags().Int("opset", 0, "Opset version used to select the converters. Defaults to the model's.")
	cmd.Flags().Bool("since-version", false,
		"Use the converter for the latest version not above the opset, instead of requiring an exact match.")
	cmd.Flags().Bool("qat", false, "Prepare the module graph for quantization-aware training.")
	cmd.Flags().Bool("fuse", false, "Fuse quantization units between convolutions and ReLUs.")
	return cmd
}

func passesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "passes",
		Short: "Lists the registered optimizer passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPasses(cmd.OutOrStdout())
		},
	}
}

func listPasses(w io.Writer) error {
	for _, name := range optim.Default().Names() {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}

// optimizeModel runs the configured optimizer passes on the model graph, in place.
func optimizeModel(model *onnx.Model, cfg *Config) error {
	graph, err := optim.Default().Apply(model.Graph, cfg.Passes...)
	if err != nil {
		return err
	}
	model.Graph = graph
	return nil
}

// convertModel optimizes the model, lowers it and optionally prepares it for QAT and fuses it.
func convertModel(model *onnx.Model, cfg *Config) (*modgraph.Graph, error) {
	if err := optimizeModel(model, cfg); err != nil {
		return nil, err
	}
	var options []onnx2gomlx.LowerOption
	if cfg.SinceVersion {
		options = append(options, onnx2gomlx.WithSinceVersion())
	}
	version := cfg.Opset
	if version == 0 {
		version = model.OpsetVersion()
	}
	mg, _, err := onnx2gomlx.Lower(model.Graph, version, options...)
	if err != nil {
		return nil, err
	}
	if cfg.QAT {
		if mg, err = quantization.PrepareQAT(mg, quantization.DefaultQATConfig()); err != nil {
			return nil, err
		}
	}
	if cfg.Fuse {
		var count int
		if mg, count, err = quantization.FuseQATConvReLUToFixpoint(mg); err != nil {
			return nil, err
		}
		klog.V(1).Infof("onnxutils: fused %d conv/relu patterns", count)
	}
	return mg, nil
}
