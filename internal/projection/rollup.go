package projection

import (
	"github.com/aevon-lab/completion-aggregator/internal/aggregation"
	v1 "github.com/aevon-lab/completion-aggregator/internal/api/v1"
	coreagg "github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
)

// progressView resolves the entry of each container: a live row when one was
// computed, else the stored row, else absent.
type progressView struct {
	updater *aggregation.Updater
	live    map[string]coreagg.Aggregate
}

func newProgressView(updater *aggregation.Updater, live []coreagg.Aggregate) *progressView {
	byKey := make(map[string]coreagg.Aggregate, len(live))
	for _, row := range live {
		byKey[row.ContainerKey] = row
	}
	return &progressView{updater: updater, live: byKey}
}

func (v *progressView) entry(container string) v1.ProgressEntry {
	if row, ok := v.live[container]; ok {
		return v1.EntryFromAggregate(row)
	}
	if row, ok := v.updater.Existing(container); ok {
		return v1.EntryFromAggregate(row)
	}
	return v1.AbsentEntry(container)
}

// entries lists the aggregator containers of kinds in pre-order.
// A container reached through several parents is listed once.
func (v *progressView) entries(kinds coreagg.KindSet) []v1.ProgressEntry {
	tree := v.updater.Tree()
	result := make([]v1.ProgressEntry, 0)
	seen := make(map[string]struct{}, tree.Len())

	stack := []string{tree.Root}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		node, ok := tree.Node(key)
		if !ok || node.Mode != coreagg.ModeAggregator {
			continue
		}
		if kinds.Contains(node.Type) {
			result = append(result, v.entry(key))
		}
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
	return result
}
