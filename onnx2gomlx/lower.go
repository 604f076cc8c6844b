// Package onnx2gomlx lowers an onnx.Graph to a modgraph.Graph, converting each ONNX node to a module
// with the converter registered for its operator type and opset version.
//
// Typical use:
//
//	mg, outputNames, err := onnx2gomlx.Lower(model.Graph, 0)
//	...
//	ctx := context.New()
//	err = mg.VariablesToContext(ctx)
//	...
//	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *graph.Graph) []*graph.Node {
//		return mg.Call(ctx, g, map[string]*graph.Node{"x": graph.Const(g, x)})
//	})
package onnx2gomlx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// UnresolvedWiringError is returned when a tensor name read by a node, or a graph output, was not produced by
// any earlier conversion.
type UnresolvedWiringError struct {
	Name string
}

// Error implements error.
func (e *UnresolvedWiringError) Error() string {
	return fmt.Sprintf("unresolved wiring: %s", e.Name)
}

type lowerConfig struct {
	registry     *Registry
	sinceVersion bool
}

// LowerOption configures Lower.
type LowerOption func(cfg *lowerConfig)

// WithRegistry uses r instead of Default() to find the converters.
func WithRegistry(r *Registry) LowerOption {
	return func(cfg *lowerConfig) {
		cfg.registry = r
	}
}

// WithSinceVersion resolves each operator to the converter registered for the greatest version not above the
// active one, as ONNX operator "since versions" work.
// By default, converters must be registered for exactly the active version.
func WithSinceVersion() LowerOption {
	return func(cfg *lowerConfig) {
		cfg.sinceVersion = true
	}
}

// Lower converts every node of graph, in order, with the converter for (node.OpType, version), and wires the
// resulting modules into a new module graph.
//
// If version is 0, graph.OpsetVersion is used.
//
// It returns the module graph, whose outputs are set to the values of graph.Outputs, and the output names
// (equal to graph.Outputs). On failure no partial graph is returned.
func Lower(graph *onnx.Graph, version int, options ...LowerOption) (*modgraph.Graph, []string, error) {
	cfg := &lowerConfig{registry: Default()}
	for _, option := range options {
		option(cfg)
	}
	if version == 0 {
		version = graph.OpsetVersion
	}

	mg := modgraph.New()
	table := make(map[string]modgraph.Value)
	for _, name := range graph.Inputs {
		table[name] = mg.AddPlaceholder(name).Output(0)
	}
	for t := range graph.Initializers() {
		tensor, err := t.ToGoMLX()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while converting initializer %q", t.Name)
		}
		table[t.Name] = mg.AddInitializer(t.Name, tensor).Output(0)
	}

	for ii, node := range graph.Nodes {
		err := exceptions.TryCatch[error](func() {
			if err := lowerNode(cfg, graph, mg, table, node, version); err != nil {
				panic(err)
			}
		})
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while converting node #%d (%s)", ii, node.OpType)
		}
	}

	outputs := make([]modgraph.Value, len(graph.Outputs))
	for ii, name := range graph.Outputs {
		v, found := table[name]
		if !found {
			return nil, nil, &UnresolvedWiringError{Name: name}
		}
		outputs[ii] = v
	}
	if err := mg.SetOutputs(outputs...); err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("onnx2gomlx: lowered %d nodes (opset %d) into %d units", len(graph.Nodes), version, len(mg.Units()))
	return mg, append([]string(nil), graph.Outputs...), nil
}

func lowerNode(cfg *lowerConfig, graph *onnx.Graph, mg *modgraph.Graph, table map[string]modgraph.Value,
	node *onnx.Node, version int) error {
	if node.Domain != "" && node.Domain != "ai.onnx" {
		return &UnsupportedOperatorError{Domain: node.Domain, OpType: node.OpType, Version: version}
	}
	var convert ConverterFunc
	var err error
	if cfg.sinceVersion {
		convert, _, err = cfg.registry.LookupSince(node.OpType, version)
	} else {
		convert, err = cfg.registry.Lookup(node.OpType, version)
	}
	if err != nil {
		return err
	}
	result, err := convert(node, graph)
	if err != nil {
		return err
	}

	// Absent optional inputs at the end are dropped.
	inputNames := result.Mapping.Inputs
	for len(inputNames) > 0 && inputNames[len(inputNames)-1] == "" {
		inputNames = inputNames[:len(inputNames)-1]
	}
	args := make([]modgraph.Value, len(inputNames))
	for ii, name := range inputNames {
		v, found := table[name]
		if !found {
			return &UnresolvedWiringError{Name: name}
		}
		args[ii] = v
	}

	name := node.Name
	if name == "" {
		name = node.OpType
	}
	u, err := mg.AddCall(name, result.Module, args...)
	if err != nil {
		return err
	}
	if numOutputs := u.NumOutputs(); len(result.Mapping.Outputs) > numOutputs {
		return errors.Errorf("converter mapped %d outputs, but module has %d", len(result.Mapping.Outputs), numOutputs)
	}
	for slot, outputName := range result.Mapping.Outputs {
		if outputName == "" {
			continue
		}
		table[outputName] = u.Output(slot)
	}
	klog.V(2).Infof("onnx2gomlx: %s -> %s", node, u)
	return nil
}
