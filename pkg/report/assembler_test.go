package report

import (
	"testing"

	"ipverse/pkg/model"
)

func page(num int, records ...*model.ASNRecord) *model.Page {
	return &model.Page{Number: num, Records: records}
}

func TestAssemble(t *testing.T) {
	tests := []struct {
		name       string
		pages      []*model.Page
		wantRanges []string
		wantASNs   int
	}{
		{
			name: "ranges flattened in encounter order",
			pages: []*model.Page{
				page(1,
					&model.ASNRecord{ASN: 13335, Ranges: []string{"1.0.0.0/24", "1.1.1.0/24"}},
					&model.ASNRecord{ASN: 15169, Ranges: []string{"8.8.8.0/24"}},
				),
				page(2,
					&model.ASNRecord{ASN: 32934, Ranges: []string{"31.13.24.0/21"}},
				),
			},
			wantRanges: []string{"1.0.0.0/24", "1.1.1.0/24", "8.8.8.0/24", "31.13.24.0/21"},
			wantASNs:   3,
		},
		{
			name: "exact duplicates across pages removed, first kept",
			pages: []*model.Page{
				page(1, &model.ASNRecord{ASN: 1, Ranges: []string{"1.0.0.0/24", "2.0.0.0/24"}}),
				page(2, &model.ASNRecord{ASN: 2, Ranges: []string{"2.0.0.0/24", "3.0.0.0/24"}}),
			},
			wantRanges: []string{"1.0.0.0/24", "2.0.0.0/24", "3.0.0.0/24"},
			wantASNs:   2,
		},
		{
			name: "duplicates within one record removed",
			pages: []*model.Page{
				page(1, &model.ASNRecord{ASN: 1, Ranges: []string{"1.0.0.0/24", "1.0.0.0/24"}}),
			},
			wantRanges: []string{"1.0.0.0/24"},
			wantASNs:   1,
		},
		{
			name:       "no pages produces empty but valid report",
			pages:      nil,
			wantRanges: nil,
			wantASNs:   0,
		},
		{
			name: "record with no published ranges contributes nothing",
			pages: []*model.Page{
				page(1,
					&model.ASNRecord{ASN: 1, Ranges: nil},
					&model.ASNRecord{ASN: 2, Ranges: []string{"9.0.0.0/8"}},
				),
			},
			wantRanges: []string{"9.0.0.0/8"},
			wantASNs:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := NewAssembler().Assemble("US", tt.pages)

			if rep.Country != "US" {
				t.Errorf("got country %q, want US", rep.Country)
			}
			if rep.Pages != len(tt.pages) {
				t.Errorf("got %d pages, want %d", rep.Pages, len(tt.pages))
			}
			if rep.ASNCount != tt.wantASNs {
				t.Errorf("got %d ASNs, want %d", rep.ASNCount, tt.wantASNs)
			}
			if rep.GeneratedAt.IsZero() {
				t.Error("generation timestamp not set")
			}
			if len(rep.Ranges) != len(tt.wantRanges) {
				t.Fatalf("got %d ranges, want %d: %v", len(rep.Ranges), len(tt.wantRanges), rep.Ranges)
			}
			for i, want := range tt.wantRanges {
				if rep.Ranges[i] != want {
					t.Errorf("range %d: got %s, want %s", i, rep.Ranges[i], want)
				}
			}
		})
	}
}
