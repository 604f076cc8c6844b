// Package modgraph holds the module graph: the lowered form of an ONNX graph, where each unit is either a
// placeholder (a graph input), an initializer (a constant tensor), a call to a Module, or the single
// output unit.
//
// Units reference the values produced by earlier units, and the graph tracks, for each value, the set of
// units using it. See Graph.UseCount.
//
// Call builds the corresponding GoMLX computation.
package modgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Module is a computation unit: given its input nodes it builds its output nodes with GoMLX.
//
// Modules are stateless: parameters (weights, biases) are passed as inputs, usually from initializer units.
// As in GoMLX graph building, Call panics on errors.
type Module interface {
	Kind() Kind
	NumOutputs() int
	Call(inputs []*graph.Node) []*graph.Node
}

// Op is the operation of a Unit.
type Op int

const (
	OpPlaceholder Op = iota
	OpInitializer
	OpCall
	OpOutput
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case OpPlaceholder:
		return "placeholder"
	case OpInitializer:
		return "initializer"
	case OpCall:
		return "call"
	case OpOutput:
		return "output"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Value is one output of a unit.
type Value struct {
	Unit *Unit
	Slot int
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.Unit == nil {
		return "<nil>"
	}
	if v.Slot == 0 {
		return "%" + v.Unit.Name
	}
	return fmt.Sprintf("%%%s#%d", v.Unit.Name, v.Slot)
}

// Unit is a node of the module graph.
type Unit struct {
	Name string
	Op   Op

	// Module is set for OpCall units.
	Module Module

	// Tensor is set for OpInitializer units.
	Tensor *tensors.Tensor

	args  []Value
	graph *Graph
}

// Args returns the values the unit reads. It must not be modified.
func (u *Unit) Args() []Value {
	return u.args
}

// NumOutputs returns the number of values the unit produces.
func (u *Unit) NumOutputs() int {
	switch u.Op {
	case OpPlaceholder, OpInitializer:
		return 1
	case OpCall:
		return u.Module.NumOutputs()
	default:
		return 0
	}
}

// Output returns the value produced by the unit in the given slot.
func (u *Unit) Output(slot int) Value {
	return Value{Unit: u, Slot: slot}
}

// Kind returns the kind of the unit module, or KindGeneric for units that are not calls.
func (u *Unit) Kind() Kind {
	if u.Op != OpCall {
		return KindGeneric
	}
	return u.Module.Kind()
}

// String implements fmt.Stringer.
func (u *Unit) String() string {
	var sb strings.Builder
	sb.WriteString("%")
	sb.WriteString(u.Name)
	sb.WriteString(" = ")
	switch u.Op {
	case OpCall:
		if stringer, ok := u.Module.(fmt.Stringer); ok {
			sb.WriteString(stringer.String())
		} else {
			sb.WriteString(u.Module.Kind().String())
		}
	case OpInitializer:
		fmt.Fprintf(&sb, "initializer[%s]", u.Tensor.Shape())
	default:
		sb.WriteString(u.Op.String())
	}
	sb.WriteString("(")
	for ii, arg := range u.args {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(arg.String())
	}
	sb.WriteString(")")
	return sb.String()
}

// Graph is the module graph. Units are kept in a valid topological order.
type Graph struct {
	units  []*Unit
	byName map[string]*Unit
	users  map[Value]sets.Set[*Unit]
	output *Unit
}

// New creates an empty module graph.
func New() *Graph {
	return &Graph{
		byName: make(map[string]*Unit),
		users:  make(map[Value]sets.Set[*Unit]),
	}
}

// uniqueName returns name, or name with a numeric suffix if it is already taken.
func (g *Graph) uniqueName(name string) string {
	if name == "" {
		name = "unit"
	}
	if _, found := g.byName[name]; !found {
		return name
	}
	for ii := 1; ; ii++ {
		candidate := fmt.Sprintf("%s_%d", name, ii)
		if _, found := g.byName[candidate]; !found {
			return candidate
		}
	}
}

func (g *Graph) checkValue(v Value) error {
	if v.Unit == nil || v.Unit.graph != g {
		return errors.Errorf("value %s is not from this module graph", v)
	}
	if v.Slot < 0 || v.Slot >= v.Unit.NumOutputs() {
		return errors.Errorf("value %s: unit %q has %d outputs", v, v.Unit.Name, v.Unit.NumOutputs())
	}
	return nil
}

// newUnit creates the unit, validating and registering its arguments, and inserts it at position index
// (or appends it if index < 0).
func (g *Graph) newUnit(index int, name string, op Op, module Module, args []Value) (*Unit, error) {
	for _, arg := range args {
		if err := g.checkValue(arg); err != nil {
			return nil, errors.WithMessagef(err, "adding unit %q", name)
		}
	}
	u := &Unit{
		Name:   g.uniqueName(name),
		Op:     op,
		Module: module,
		args:   slices.Clone(args),
		graph:  g,
	}
	if index < 0 {
		g.units = append(g.units, u)
	} else {
		g.units = slices.Insert(g.units, index, u)
	}
	g.byName[u.Name] = u
	for _, arg := range args {
		g.addUse(arg, u)
	}
	return u, nil
}

// insertIndex returns where new units are appended: the output unit always stays last.
func (g *Graph) insertIndex() int {
	if g.output == nil {
		return -1
	}
	return len(g.units) - 1
}

func (g *Graph) addUse(v Value, user *Unit) {
	users, found := g.users[v]
	if !found {
		users = sets.Make[*Unit]()
		g.users[v] = users
	}
	users.Insert(user)
}

func (g *Graph) removeUse(v Value, user *Unit) {
	users, found := g.users[v]
	if !found {
		return
	}
	delete(users, user)
	if len(users) == 0 {
		delete(g.users, v)
	}
}

// AddPlaceholder adds a graph input. If name is taken, a suffix is added to it: use the returned unit name.
func (g *Graph) AddPlaceholder(name string) *Unit {
	u, _ := g.newUnit(g.insertIndex(), name, OpPlaceholder, nil, nil)
	return u
}

// AddInitializer adds a constant value, which is uploaded as a variable by VariablesToContext.
func (g *Graph) AddInitializer(name string, value *tensors.Tensor) *Unit {
	u, _ := g.newUnit(g.insertIndex(), name, OpInitializer, nil, nil)
	u.Tensor = value
	return u
}

// AddCall adds a unit calling module with the given arguments, which must be values of this graph.
func (g *Graph) AddCall(name string, module Module, args ...Value) (*Unit, error) {
	if module == nil {
		return nil, errors.Errorf("adding unit %q: nil module", name)
	}
	return g.newUnit(g.insertIndex(), name, OpCall, module, args)
}

// InsertAfter adds a call unit right after anchor. Used by passes that rewrite a lowered graph.
func (g *Graph) InsertAfter(anchor *Unit, name string, module Module, args ...Value) (*Unit, error) {
	index := slices.Index(g.units, anchor)
	if index < 0 {
		return nil, errors.Errorf("inserting unit %q: anchor unit %q is not in the module graph", name, anchor.Name)
	}
	if anchor.Op == OpOutput {
		return nil, errors.Errorf("inserting unit %q: cannot insert after the output unit", name)
	}
	if module == nil {
		return nil, errors.Errorf("inserting unit %q: nil module", name)
	}
	for _, arg := range args {
		if argIndex := slices.Index(g.units, arg.Unit); argIndex > index {
			return nil, errors.Errorf("inserting unit %q after %q: argument %s is defined later", name, anchor.Name, arg)
		}
	}
	return g.newUnit(index+1, name, OpCall, module, args)
}

// SetOutputs sets the values returned by the graph, creating (or replacing) the output unit.
// The output unit counts as a user of each of them.
func (g *Graph) SetOutputs(values ...Value) error {
	for _, v := range values {
		if err := g.checkValue(v); err != nil {
			return errors.WithMessage(err, "setting module graph outputs")
		}
	}
	if g.output != nil {
		for _, arg := range g.output.args {
			g.removeUse(arg, g.output)
		}
		g.units = slices.DeleteFunc(g.units, func(u *Unit) bool { return u == g.output })
		delete(g.byName, g.output.Name)
		g.output = nil
	}
	u, err := g.newUnit(-1, "output", OpOutput, nil, values)
	if err != nil {
		return err
	}
	g.output = u
	return nil
}

// Outputs returns the values returned by the graph.
func (g *Graph) Outputs() []Value {
	if g.output == nil {
		return nil
	}
	return slices.Clone(g.output.args)
}

// OutputUnit returns the output unit, or nil if SetOutputs was not called.
func (g *Graph) OutputUnit() *Unit {
	return g.output
}

// Units returns the units in order.
func (g *Graph) Units() []*Unit {
	return slices.Clone(g.units)
}

// Placeholders returns the placeholder units, in order.
func (g *Graph) Placeholders() []*Unit {
	return g.unitsWithOp(OpPlaceholder)
}

// Initializers returns the initializer units, in order.
func (g *Graph) Initializers() []*Unit {
	return g.unitsWithOp(OpInitializer)
}

func (g *Graph) unitsWithOp(op Op) []*Unit {
	var units []*Unit
	for _, u := range g.units {
		if u.Op == op {
			units = append(units, u)
		}
	}
	return units
}

// Unit returns the unit with the given name, or nil.
func (g *Graph) Unit(name string) *Unit {
	return g.byName[name]
}

// Producer returns the unit producing argument #argIdx of u, or nil if u has no such argument.
func (g *Graph) Producer(u *Unit, argIdx int) *Unit {
	if argIdx < 0 || argIdx >= len(u.args) {
		return nil
	}
	return u.args[argIdx].Unit
}

// Users returns the distinct units reading v, in graph order. The output unit is included if v is a
// graph output.
func (g *Graph) Users(v Value) []*Unit {
	users := g.users[v]
	if len(users) == 0 {
		return nil
	}
	result := make([]*Unit, 0, len(users))
	for _, u := range g.units {
		if users.Has(u) {
			result = append(result, u)
		}
	}
	return result
}

// UseCount returns the number of distinct units reading v.
func (g *Graph) UseCount(v Value) int {
	return len(g.users[v])
}

// ReplaceAllUsesWith makes every user of oldValue read newValue instead. newValue must be defined before
// all users of oldValue, so the graph stays in topological order.
func (g *Graph) ReplaceAllUsesWith(oldValue, newValue Value) error {
	return g.ReplaceAllUsesExcept(oldValue, newValue, nil)
}

// ReplaceAllUsesExcept is like ReplaceAllUsesWith, but the unit except keeps reading oldValue.
// It is used to insert a unit after a value: the new unit reads oldValue and replaces it for everyone else.
func (g *Graph) ReplaceAllUsesExcept(oldValue, newValue Value, except *Unit) error {
	if err := g.checkValue(oldValue); err != nil {
		return err
	}
	if err := g.checkValue(newValue); err != nil {
		return err
	}
	if oldValue == newValue {
		return nil
	}
	users := slices.DeleteFunc(g.Users(oldValue), func(u *Unit) bool { return u == except })
	newIndex := slices.Index(g.units, newValue.Unit)
	for _, user := range users {
		if slices.Index(g.units, user) <= newIndex {
			return errors.Errorf("cannot replace %s with %s: user %q is defined before %q",
				oldValue, newValue, user.Name, newValue.Unit.Name)
		}
	}
	for _, user := range users {
		for ii, arg := range user.args {
			if arg == oldValue {
				user.args[ii] = newValue
			}
		}
		g.removeUse(oldValue, user)
		g.addUse(newValue, user)
	}
	return nil
}

// Erase removes u from the graph. It fails if any value produced by u is still used.
func (g *Graph) Erase(u *Unit) error {
	if u.graph != g {
		return errors.Errorf("unit %q is not in this module graph", u.Name)
	}
	for slot := range u.NumOutputs() {
		if count := g.UseCount(u.Output(slot)); count > 0 {
			return errors.Errorf("cannot erase unit %q: its output #%d still has %d users", u.Name, slot, count)
		}
	}
	for _, arg := range u.args {
		g.removeUse(arg, u)
	}
	g.units = slices.DeleteFunc(g.units, func(other *Unit) bool { return other == u })
	delete(g.byName, u.Name)
	if g.output == u {
		g.output = nil
	}
	u.graph = nil
	return nil
}

// Clone returns a copy of the graph. Modules and initializer tensors are shared.
func (g *Graph) Clone() *Graph {
	clone := New()
	mapping := make(map[*Unit]*Unit, len(g.units))
	for _, u := range g.units {
		args := make([]Value, len(u.args))
		for ii, arg := range u.args {
			args[ii] = Value{Unit: mapping[arg.Unit], Slot: arg.Slot}
		}
		cloned := &Unit{Name: u.Name, Op: u.Op, Module: u.Module, Tensor: u.Tensor, args: args, graph: clone}
		clone.units = append(clone.units, cloned)
		clone.byName[cloned.Name] = cloned
		for _, arg := range args {
			clone.addUse(arg, cloned)
		}
		if u == g.output {
			clone.output = cloned
		}
		mapping[u] = cloned
	}
	return clone
}

// Validate checks that every argument refers to an output of an earlier unit, that the users are
// consistent with the arguments, and that the output unit is the last one.
func (g *Graph) Validate() error {
	defined := sets.Make[*Unit]()
	expectedUses := 0
	for ii, u := range g.units {
		if u.graph != g {
			return errors.Errorf("unit #%d %q does not belong to the graph", ii, u.Name)
		}
		if u.Op == OpCall && u.Module == nil {
			return errors.Errorf("unit #%d %q is a call without module", ii, u.Name)
		}
		if u.Op == OpOutput && ii != len(g.units)-1 {
			return errors.Errorf("output unit %q is not the last unit", u.Name)
		}
		for _, arg := range u.args {
			if !defined.Has(arg.Unit) {
				return errors.Errorf("unit #%d %q reads %s, which is not defined before it", ii, u.Name, arg)
			}
			if arg.Slot < 0 || arg.Slot >= arg.Unit.NumOutputs() {
				return errors.Errorf("unit #%d %q reads %s, which is out of range", ii, u.Name, arg)
			}
			if !g.users[arg].Has(u) {
				return errors.Errorf("unit #%d %q is not registered as a user of %s", ii, u.Name, arg)
			}
		}
		expectedUses += len(sets.MakeWith(u.args...))
		defined.Insert(u)
	}
	totalUses := 0
	for _, users := range g.users {
		totalUses += len(users)
	}
	if totalUses != expectedUses {
		return errors.Errorf("module graph has %d registered uses, but units have %d distinct arguments", totalUses, expectedUses)
	}
	return nil
}

// String implements fmt.Stringer, listing one unit per line.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ModuleGraph (%d units):\n", len(g.units))
	for _, u := range g.units {
		fmt.Fprintf(&sb, "\t%s\n", u)
	}
	return sb.String()
}
