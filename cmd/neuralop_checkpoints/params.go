package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
)

type paramKey struct{ scope, name string }

// Params renders the hyperparameters of the checkpoints: one row per (scope, name) set in any of them, with
// the rows whose values differ highlighted.
func Params(cc *checkpointContexts) string {
	headers := []string{"Scope", "Name", "Type"}
	if len(cc.names) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, cc.names...)
	}
	table := newReportTable().Headers(headers...)

	values := make(map[paramKey][]string)
	types := make(map[paramKey]string)
	for ii, ctx := range cc.ctxs {
		ctx.EnumerateParams(func(scope, name string, value any) {
			key := paramKey{scope, name}
			if values[key] == nil {
				values[key] = make([]string, len(cc.ctxs))
				types[key] = fmt.Sprintf("%T", value)
			}
			values[key][ii] = fmt.Sprintf("%v", value)
		})
	}
	keys := slices.SortedFunc(maps.Keys(values), func(a, b paramKey) int {
		return cmp.Or(cmp.Compare(a.scope, b.scope), cmp.Compare(a.name, b.name))
	})
	for _, key := range keys {
		row := append([]string{key.scope, key.name, types[key]}, values[key]...)
		table.HighlightedRow(!allEqual(values[key]), row...)
	}
	return strings.Join([]string{titleStyle.Render("Hyperparameters"), table.Render()}, "\n")
}
