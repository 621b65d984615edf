package loader

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/agentuity/character-directory/character"
)

// State is the in-memory projection consumed by the view.
type State struct {
	// Data holds every loaded list record, each id at most once, in first-seen order.
	Data    []character.Minimal
	Loading bool
	Error   string
	// CurrentPage is the next page to fetch.
	CurrentPage int
	TotalPages  int
	HasMore     bool
	Filter      string

	// SelectedID is the detail the view is currently showing, 0 for none.
	SelectedID      int
	LoadingDetailID int
	DetailError     string
	// DetailsCache only grows during a session.
	DetailsCache map[int]character.Detail

	LastFetch time.Time
}

func initialState() State {
	return State{
		Data:         []character.Minimal{},
		CurrentPage:  1,
		HasMore:      true,
		DetailsCache: map[int]character.Detail{},
	}
}

func (s State) clone() State {
	out := s
	out.Data = slices.Clone(s.Data)
	out.DetailsCache = maps.Clone(s.DetailsCache)
	return out
}

// Filtered returns the records matching the active filter.
func (s State) Filtered() []character.Minimal {
	return character.Filter(s.Data, s.Filter)
}

// HasActiveFilter reports whether a non-blank filter is set.
func (s State) HasActiveFilter() bool {
	return strings.TrimSpace(s.Filter) != ""
}

// IsInitialLoading reports a load in progress with nothing to show yet.
func (s State) IsInitialLoading() bool {
	return s.Loading && len(s.Data) == 0
}
