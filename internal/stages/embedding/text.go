package embedding

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/colligo/internal/models"
)

// AssembleText builds the embedding input for a domain row. Tables with a
// configured field list use it in order; others use the row's full field
// set in name order, so the text is deterministic either way.
func AssembleText(record models.DomainRecord, fieldConfig map[string][]string) string {
	fields := record.FieldMap()

	names, ok := fieldConfig[record.TableName()]
	if !ok {
		names = make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	var b strings.Builder
	for _, name := range names {
		value, ok := fields[name]
		if !ok || value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", name, value)
	}
	return b.String()
}
