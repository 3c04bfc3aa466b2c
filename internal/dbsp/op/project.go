package op

import (
	"strings"

	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Merge denormalizes a root record and a foreign record into one output
// record whose columns are named "table.column".
func Merge(rootTable string, root types.Record, foreignTable string, foreign types.Record) types.Record {
	out := make(types.Record, len(root)+len(foreign))
	for k, v := range root {
		out[rootTable+"."+k] = v
	}
	for k, v := range foreign {
		out[foreignTable+"."+k] = v
	}
	return out
}

// Project keeps the listed columns of r. A nil column list keeps everything
// and "table.*" keeps every column of that table. Columns missing from r are
// left out rather than set to NULL.
func Project(r types.Record, columns []string) types.Record {
	if columns == nil {
		return r
	}
	out := make(types.Record, len(columns))
	for _, c := range columns {
		if prefix, ok := strings.CutSuffix(c, "*"); ok {
			for k, v := range r {
				if strings.HasPrefix(k, prefix) {
					out[k] = v
				}
			}
			continue
		}
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}
