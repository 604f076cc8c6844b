// onnxutils inspects, optimizes and converts ONNX models to GoMLX module graphs.
//
// Usage:
//
//	onnxutils inspect model.onnx
//	onnxutils optimize model.onnx -o optimized.onnx --passes eliminate-concat,eliminate-identity
//	onnxutils convert model.onnx --qat --fuse
//	onnxutils passes
//
// Logging is configured with the klog flags, e.g. -v=1 prints a summary of each pass.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "onnxutils",
		Short:         "onnxutils optimizes ONNX models and converts them to GoMLX",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		inspectCommand(),
		optimizeCommand(),
		convertCommand(),
		passesCommand(),
	)

	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
	return rootCmd
}

// execute runs cmd and returns the process exit code. Errors are written to stderr as they are.
func execute(cmd *cobra.Command, stderr io.Writer) int {
	defer klog.Flush()
	if err := cmd.Execute(); err != nil {
		klog.V(1).Infof("onnxutils: %+v", err)
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCommand(), os.Stderr))
}
