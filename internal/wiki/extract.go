package wiki

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/model"
)

const (
	listSelector = "#CardSelectTr .role-box"
	nameSelector = ".role-name a"

	birthdayLabel = "生日"
	releaseLabel  = "实装日期"

	// Birthdays carry no year; a leap year keeps Feb 29 representable.
	birthdayYear = 2000
)

var (
	// "6月19日"
	birthdayRe = regexp.MustCompile(`(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	// "2024年12月18日（1.4版本）"
	releaseRe = regexp.MustCompile(`(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
)

// CharacterID derives the stable identifier of a character: the
// lowercase hex CRC-32 (IEEE) of its display name, without padding.
func CharacterID(name string) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(name))), 16)
}

// ParseCharacters extracts the character list from the listing page.
// Entries without a name are skipped; repeated names are kept once.
func ParseCharacters(body []byte) ([]model.Character, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("wiki: parse listing: %w", err)
	}

	out := make([]model.Character, 0)
	seen := make(map[string]struct{})
	doc.Find(listSelector).Each(func(i int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Find(nameSelector).First().Text())
		if name == "" {
			appLog.Warn("wiki: listing entry without name", "index", i)
			return
		}
		id := CharacterID(name)
		if _, dup := seen[id]; dup {
			appLog.Warn("wiki: duplicate listing entry", "name", name, "id", id)
			return
		}
		seen[id] = struct{}{}
		out = append(out, model.Character{ID: id, Name: name})
	})
	return out, nil
}

// ParseDetail extracts birthday and release date from a character page.
// Both dates are civil dates at midnight in loc.
func ParseDetail(body []byte, loc *time.Location) (model.Detail, error) {
	var d model.Detail

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return d, fmt.Errorf("wiki: parse detail: %w", err)
	}

	birthdayText := infoboxValue(doc, birthdayLabel)
	m := birthdayRe.FindStringSubmatch(birthdayText)
	if m == nil {
		return d, fmt.Errorf("wiki: birthday not found (got %q)", birthdayText)
	}
	d.Birthday, err = civilDate(birthdayYear, m[1], m[2], loc)
	if err != nil {
		return d, fmt.Errorf("wiki: birthday %q: %w", birthdayText, err)
	}

	releaseText := infoboxValue(doc, releaseLabel)
	// Drop the "（1.4版本）" version suffix before matching.
	if i := strings.Index(releaseText, "（"); i >= 0 {
		releaseText = releaseText[:i]
	}
	m = releaseRe.FindStringSubmatch(releaseText)
	if m == nil {
		return d, fmt.Errorf("wiki: release date not found (got %q)", releaseText)
	}
	year, _ := strconv.Atoi(m[1])
	d.Release, err = civilDate(year, m[2], m[3], loc)
	if err != nil {
		return d, fmt.Errorf("wiki: release date %q: %w", releaseText, err)
	}

	return d, nil
}

// infoboxValue returns the trimmed text of the cell next to the first
// table header whose text equals label.
func infoboxValue(doc *goquery.Document, label string) string {
	th := doc.Find("tbody tr th").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.Text()) == label
	}).First()
	return strings.TrimSpace(th.Parent().Find("td").First().Text())
}

func civilDate(year int, month, day string, loc *time.Location) (time.Time, error) {
	mo, _ := strconv.Atoi(month)
	dd, _ := strconv.Atoi(day)
	t := time.Date(year, time.Month(mo), dd, 0, 0, 0, 0, loc)
	// time.Date normalizes overflow; reject it instead.
	if int(t.Month()) != mo || t.Day() != dd {
		return time.Time{}, fmt.Errorf("no such date %04d-%02d-%02d", year, mo, dd)
	}
	return t, nil
}

// ParseOffset reads a UTC offset such as "+0800" or "-05:30" into a fixed
// zone.
func ParseOffset(s string) (*time.Location, error) {
	v := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	if len(v) != 5 || (v[0] != '+' && v[0] != '-') {
		return nil, fmt.Errorf("wiki: invalid UTC offset %q", s)
	}
	hh, err1 := strconv.Atoi(v[1:3])
	mm, err2 := strconv.Atoi(v[3:5])
	if err1 != nil || err2 != nil || hh > 14 || mm > 59 {
		return nil, fmt.Errorf("wiki: invalid UTC offset %q", s)
	}
	secs := hh*3600 + mm*60
	if v[0] == '-' {
		secs = -secs
	}
	return time.FixedZone("UTC"+v, secs), nil
}
