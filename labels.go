package main

import "fmt"

// maxLabels is the size of the anonymization alphabet: one letter per
// label, "Response A" through "Response Z".
const maxLabels = 26

// LabelMap is the bidirectional mapping between anonymized labels and
// model identifiers for a single turn. Labels are assigned in strict
// input order, so the mapping is reproducible from the Stage-1 response
// order. Built once per turn and discarded with it; only resolved model
// names are ever persisted.
type LabelMap struct {
	labels       []string
	labelToModel map[string]string
	modelToLabel map[string]string
}

// BuildLabelMap assigns labels to the successful responses, in order.
// Failed responses are excluded entirely: they are not ranked, so they
// get no label.
func BuildLabelMap(responses []Stage1Response) *LabelMap {
	m := &LabelMap{
		labelToModel: make(map[string]string),
		modelToLabel: make(map[string]string),
	}

	for _, r := range responses {
		if !r.OK() {
			continue
		}
		if len(m.labels) >= maxLabels {
			break
		}
		label := fmt.Sprintf("Response %c", rune('A'+len(m.labels)))
		m.labels = append(m.labels, label)
		m.labelToModel[label] = r.Model
		m.modelToLabel[r.Model] = label
	}

	return m
}

// Resolve maps a label back to its model identifier. The second return
// is false for unknown labels; callers treat that as "no anonymization
// info", not a failure.
func (m *LabelMap) Resolve(label string) (string, bool) {
	model, ok := m.labelToModel[label]
	return model, ok
}

// Reverse maps a model identifier to its label.
func (m *LabelMap) Reverse(model string) (string, bool) {
	label, ok := m.modelToLabel[model]
	return label, ok
}

// Labels returns the labels in assignment order.
func (m *LabelMap) Labels() []string {
	out := make([]string, len(m.labels))
	copy(out, m.labels)
	return out
}

// Len returns the number of labeled responses.
func (m *LabelMap) Len() int {
	return len(m.labels)
}

// LabelToModel returns a copy of the label-to-model mapping for
// inclusion in turn metadata.
func (m *LabelMap) LabelToModel() map[string]string {
	out := make(map[string]string, len(m.labelToModel))
	for label, model := range m.labelToModel {
		out[label] = model
	}
	return out
}
