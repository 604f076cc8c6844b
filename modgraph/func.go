package modgraph

import "github.com/gomlx/gomlx/pkg/core/graph"

// FuncModule is a Module defined by a function building a single output.
type FuncModule struct {
	ModuleKind Kind
	Name       string
	Fn         func(inputs []*graph.Node) *graph.Node
}

// Func creates a single output module from fn.
func Func(kind Kind, name string, fn func(inputs []*graph.Node) *graph.Node) *FuncModule {
	return &FuncModule{ModuleKind: kind, Name: name, Fn: fn}
}

// Kind implements Module.
func (m *FuncModule) Kind() Kind { return m.ModuleKind }

// NumOutputs implements Module.
func (m *FuncModule) NumOutputs() int { return 1 }

// Call implements Module.
func (m *FuncModule) Call(inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{m.Fn(inputs)}
}

// String implements fmt.Stringer.
func (m *FuncModule) String() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ModuleKind.String()
}
