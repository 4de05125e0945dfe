// Package report assembles fetched provider pages into the canonical
// per-country IP-range report.
package report

import (
	"time"

	"ipverse/pkg/model"
)

// Assembler merges paginated ASN records into a single report
type Assembler struct {
	clock func() time.Time
}

// NewAssembler creates a new assembler
func NewAssembler() *Assembler {
	return &Assembler{clock: time.Now}
}

// Assemble flattens the IP ranges of all records across the given pages
// into one deduplicated, stable-ordered report. Ranges keep the order
// they were first encountered in; exact duplicates are dropped. An empty
// input produces an empty but valid report.
func (a *Assembler) Assemble(country string, pages []*model.Page) *model.IPRangeReport {
	rep := &model.IPRangeReport{
		Country:     country,
		GeneratedAt: a.clock(),
		Pages:       len(pages),
	}

	seen := make(map[string]bool)
	for _, page := range pages {
		for _, rec := range page.Records {
			rep.ASNCount++
			for _, cidr := range rec.Ranges {
				if seen[cidr] {
					continue
				}
				seen[cidr] = true
				rep.Ranges = append(rep.Ranges, cidr)
			}
		}
	}

	return rep
}
