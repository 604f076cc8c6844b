package modgraph

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// This file defines the methods that build the computation graph using GoMLX.

// ModelScope is the default scope for the module graph variables (its initializers) in the GoMLX context.
var ModelScope = "ONNX"

// SafeVarName converts an ONNX tensor name to a GoMLX safe variable name by replacing the scope separator with a "|".
func SafeVarName(onnxName string) (gomlxName string) {
	return strings.ReplaceAll(onnxName, context.ScopeSeparator, "|")
}

// VariablesToContext creates variables in the context (within scope ModelScope) from all initializer units.
//
// Call this once in your context, before using the graph with Graph.Call.
// Alternatively, if you have already checkpoint-ed your model, load the variables from a checkpoint and don't call this.
func (g *Graph) VariablesToContext(ctx *context.Context) error {
	if ctx == nil {
		return errors.New("modgraph.VariablesToContext() requires a context")
	}
	ctx = ctx.In(ModelScope).Checked(false)
	for _, u := range g.Initializers() {
		if u.Tensor == nil {
			return errors.Errorf("modgraph.VariablesToContext(): initializer %q has no value", u.Name)
		}
		ctx.VariableWithValue(SafeVarName(u.Name), u.Tensor)
	}
	return nil
}

// Call builds the module graph with GoMLX, in the graph g, and returns the nodes of the graph outputs.
// This can be used for inference or training.
//
// The inputs map each placeholder name to its node.
//
// Initializers are read from the variables in ctx (see VariablesToContext). If ctx is nil they are
// embedded in the graph as constants instead.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func (mg *Graph) Call(ctx *context.Context, g *graph.Graph, inputs map[string]*graph.Node) (outputs []*graph.Node) {
	if mg.output == nil {
		exceptions.Panicf("modgraph.Call(): module graph has no outputs set")
	}
	if ctx != nil {
		ctx = ctx.In(ModelScope).Checked(false)
	}

	// Check that the inputs match the placeholders.
	missingInputs := sets.Make[string]()
	unknownInputs := sets.Make[string]()
	for _, u := range mg.Placeholders() {
		if inputs[u.Name] == nil {
			missingInputs.Insert(u.Name)
		}
	}
	for name := range inputs {
		if u := mg.byName[name]; u == nil || u.Op != OpPlaceholder {
			unknownInputs.Insert(name)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("modgraph.Call() called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			missingInputs, unknownInputs)
	}

	values := make(map[Value]*graph.Node)
	for _, u := range mg.units {
		switch u.Op {
		case OpPlaceholder:
			values[u.Output(0)] = inputs[u.Name]
		case OpInitializer:
			values[u.Output(0)] = initializerNode(ctx, g, u)
		case OpCall:
			args := make([]*graph.Node, len(u.args))
			for ii, arg := range u.args {
				args[ii] = values[arg]
			}
			results := u.Module.Call(args)
			if len(results) != u.Module.NumOutputs() {
				exceptions.Panicf("modgraph.Call(): unit %s returned %d values, expected %d", u, len(results), u.Module.NumOutputs())
			}
			for slot, result := range results {
				values[u.Output(slot)] = result
			}
		case OpOutput:
			outputs = make([]*graph.Node, len(u.args))
			for ii, arg := range u.args {
				outputs[ii] = values[arg]
			}
		}
	}
	return outputs
}

func initializerNode(ctx *context.Context, g *graph.Graph, u *Unit) *graph.Node {
	if ctx == nil {
		return graph.Const(g, u.Tensor)
	}
	varName := SafeVarName(u.Name)
	v := ctx.InspectVariableInScope(varName)
	if v == nil {
		exceptions.Panicf("variable %q (from the initializer %q) has not been uploaded yet to context -- did you forget to call modgraph.Graph.VariablesToContext?",
			varName, u.Name)
		panic(nil) // for lint benefit.
	}
	return v.ValueGraph(g)
}
