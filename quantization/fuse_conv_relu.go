package quantization

import (
	"slices"

	"github.com/gomlx/onnxutils/modgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FuseQATConvReLU removes the quantization unit between a convolution and the ReLU that follows it:
//
//	conv -> FakeQuantize|Observer -> ReLU   becomes   conv -> ReLU
//
// A pattern is fused only if the quantization unit and the convolution have no other users. The ReLU is kept.
//
// It returns a new graph (mg is not modified) and the number of fusions. Units are scanned once, in order: a
// fusion that exposes a new pattern is not revisited. See FuseQATConvReLUToFixpoint.
func FuseQATConvReLU(mg *modgraph.Graph) (*modgraph.Graph, int, error) {
	fused := mg.Clone()
	var count int
	for _, relu := range slices.Clone(fused.Units()) {
		if fused.Unit(relu.Name) != relu || relu.Op != modgraph.OpCall || relu.Kind() != modgraph.KindReLU {
			continue
		}
		quant := fused.Producer(relu, 0)
		if quant == nil || quant.Op != modgraph.OpCall || !quant.Kind().IsQuantization() {
			continue
		}
		if fused.UseCount(quant.Output(0)) != 1 {
			continue
		}
		conv := fused.Producer(quant, 0)
		if conv == nil || conv.Op != modgraph.OpCall || !conv.Kind().IsComputation() {
			continue
		}
		if fused.UseCount(conv.Output(0)) != 1 {
			continue
		}
		if err := fused.ReplaceAllUsesWith(quant.Output(0), conv.Output(0)); err != nil {
			return nil, 0, errors.WithMessagef(err, "while fusing %q into %q", quant.Name, conv.Name)
		}
		if err := fused.Erase(quant); err != nil {
			return nil, 0, errors.WithMessagef(err, "while fusing %q into %q", quant.Name, conv.Name)
		}
		klog.V(2).Infof("quantization: fused %s -> %s -> %s", conv.Name, quant.Name, relu.Name)
		count++
	}
	klog.V(1).Infof("quantization: FuseQATConvReLU fused %d patterns", count)
	return fused, count, nil
}

// FuseQATConvReLUToFixpoint calls FuseQATConvReLU until no more patterns are fused, and returns the total
// number of fusions.
func FuseQATConvReLUToFixpoint(mg *modgraph.Graph) (*modgraph.Graph, int, error) {
	var total int
	for {
		fused, count, err := FuseQATConvReLU(mg)
		if err != nil {
			return nil, 0, err
		}
		if count == 0 {
			return fused, total, nil
		}
		mg = fused
		total += count
	}
}
