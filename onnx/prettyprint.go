package onnx

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.Proto.DocString != "" {
		w("%s\n", m.Proto.DocString)
	}
	if m.Proto.ModelVersion != 0 {
		w("\tVersion:\t%d\n", m.Proto.ModelVersion)
	}
	if m.Proto.ProducerName != "" {
		w("\tProducer:\t%s / %s\n", m.Proto.ProducerName, m.Proto.ProducerVersion)
	}
	w("\tIR Version:\t%d\n", m.Proto.IrVersion)
	w("\tOperator Sets:\t[")
	for ii, opSetId := range m.Proto.OpsetImport {
		if ii > 0 {
			w(", ")
		}
		if opSetId.Domain != "" {
			w("v%d (%s)", opSetId.Version, opSetId.Domain)
		} else {
			w("v%d", opSetId.Version)
		}
	}
	w("]\n")

	g := m.Graph
	w("\tInputs:\t\t%q\n", g.Inputs)
	w("\tOutputs:\t%q\n", g.Outputs)
	w("\t# initializers:\t%d\n", len(g.initializerNames))
	w("\t# nodes:\t%d\n", len(g.Nodes))
	opTypeCounts := make(map[string]int)
	for _, n := range g.Nodes {
		opTypeCounts[n.OpType]++
	}
	w("\tOp types:\t[")
	for ii, opType := range slices.Sorted(maps.Keys(opTypeCounts)) {
		if ii > 0 {
			w(", ")
		}
		w("%s×%d", opType, opTypeCounts[opType])
	}
	w("]\n")

	if len(m.Proto.MetadataProps) > 0 {
		w("\tMetadata: [")
		for ii, prop := range m.Proto.MetadataProps {
			if ii > 0 {
				w(", ")
			}
			w("%s=%s", prop.Key, prop.Value)
		}
		w("]\n")
	}
	return buf.String()
}
