package wiki

import (
	"context"
	"fmt"
	"net/url"
	"time"

	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/model"
)

// Source lists characters and their dates from the wiki.
type Source struct {
	fetcher      PageFetcher
	listURL      string
	detailPrefix string
	loc          *time.Location
}

// NewSource builds a Source. Detail pages live at detailPrefix followed by
// the path-escaped character name; dates are read in loc.
func NewSource(fetcher PageFetcher, listURL, detailPrefix string, loc *time.Location) *Source {
	if loc == nil {
		loc = time.UTC
	}
	return &Source{
		fetcher:      fetcher,
		listURL:      listURL,
		detailPrefix: detailPrefix,
		loc:          loc,
	}
}

// Characters fetches and parses the listing page.
func (s *Source) Characters(ctx context.Context) ([]model.Character, error) {
	body, err := s.fetcher.Fetch(ctx, s.listURL)
	if err != nil {
		return nil, err
	}
	chars, err := ParseCharacters(body)
	if err != nil {
		return nil, err
	}
	appLog.Info("wiki: listing parsed", "count", len(chars))
	return chars, nil
}

// Detail fetches and parses the page of one character.
func (s *Source) Detail(ctx context.Context, name string) (model.Detail, error) {
	u := s.detailPrefix + url.PathEscape(name)
	body, err := s.fetcher.Fetch(ctx, u)
	if err != nil {
		return model.Detail{}, err
	}
	d, err := ParseDetail(body, s.loc)
	if err != nil {
		return model.Detail{}, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
