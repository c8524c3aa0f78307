package sisgpo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RosterPage is one page of the upstream duty-roster listing, normalized
// from the envelope variants SISGPO is known to emit.
type RosterPage struct {
	Records     []RosterRecord
	CurrentPage int
	TotalPages  int
}

// HasPagination reports whether the upstream envelope carried usable
// pagination fields. Without them the walk must stop after this page.
func (p *RosterPage) HasPagination() bool {
	return p.CurrentPage > 0 && p.TotalPages > 0
}

// RosterRecord is a single duty-roster row. Only the fields the gateway
// derives engagement from are decoded; everything else is ignored.
type RosterRecord struct {
	VehiclePrefix string `json:"prefixo_viatura"`
	Vehicle       *struct {
		Prefix string `json:"prefixo"`
	} `json:"viatura"`
	DutyDate string `json:"data_plantao"`
}

// Prefix resolves the record's vehicle identifier, preferring the flat
// field over the nested vehicle object. The result is trimmed and
// upper-cased; ok is false when no identifier can be resolved.
func (r *RosterRecord) Prefix() (string, bool) {
	p := strings.TrimSpace(r.VehiclePrefix)
	if p == "" && r.Vehicle != nil {
		p = strings.TrimSpace(r.Vehicle.Prefix)
	}
	if p == "" {
		return "", false
	}
	return strings.ToUpper(p), true
}

var dutyDateLayouts = []string{
	"02/01/2006",
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseDutyDate parses the date spellings SISGPO emits (DD/MM/YYYY or
// ISO forms). ok is false for empty or unparseable values.
func ParseDutyDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dutyDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// pageEnvelope mirrors the upstream listing response. Pagination fields
// arrive in either camelCase or snake_case depending on the SISGPO
// version; both are decoded and reconciled in normalize.
type pageEnvelope struct {
	Data             []RosterRecord `json:"data"`
	CurrentPageCamel *int           `json:"currentPage"`
	CurrentPageSnake *int           `json:"current_page"`
	TotalPagesCamel  *int           `json:"totalPages"`
	TotalPagesSnake  *int           `json:"total_pages"`
}

func (e *pageEnvelope) normalize() *RosterPage {
	page := &RosterPage{Records: e.Data}
	switch {
	case e.CurrentPageCamel != nil:
		page.CurrentPage = *e.CurrentPageCamel
	case e.CurrentPageSnake != nil:
		page.CurrentPage = *e.CurrentPageSnake
	}
	switch {
	case e.TotalPagesCamel != nil:
		page.TotalPages = *e.TotalPagesCamel
	case e.TotalPagesSnake != nil:
		page.TotalPages = *e.TotalPagesSnake
	}
	return page
}

// ParseRosterPage decodes one listing response body into a normalized page.
func ParseRosterPage(body []byte) (*RosterPage, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding roster page: %w", err)
	}
	return env.normalize(), nil
}
