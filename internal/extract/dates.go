package extract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// ErrEmptyDate is returned by ParseDate for blank cells and the usual null markers.
var ErrEmptyDate = errors.New("empty date")

// Day-month-year layouts used by the clinical forms, then ISO forms used by the EMR feed.
var dateLayouts = []string{
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2 Jan 2006",
	"2-Jan-2006",
	"2 January 2006",
	"2/1/2006 15:04",
	"2/1/2006 15:04:05",
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

var nullMarkers = map[string]bool{
	"":     true,
	"NA":   true,
	"N/A":  true,
	"NAN":  true,
	"NAT":  true,
	"NULL": true,
	"NONE": true,
}

// ParseDate parses an extract date cell to day granularity.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if nullMarkers[strings.ToUpper(s)] {
		return civil.Date{}, ErrEmptyDate
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, fmt.Errorf("unparsable date %q", s)
}

// IsEmpty reports whether a cell holds no value.
func IsEmpty(s string) bool {
	return nullMarkers[strings.ToUpper(strings.TrimSpace(s))]
}
