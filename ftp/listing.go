package ftp

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry represents one line of a directory listing.
type Entry struct {
	Name string

	// Type is "file", "dir", "link" or "unknown"
	Type string

	Size int64

	// ModTime is the modification time, zero when the line carried none or
	// it could not be parsed
	ModTime time.Time

	// Target is the symlink target for Type "link"
	Target string

	// Raw is the unparsed line
	Raw string
}

// ListingParser is an interface for parsing directory listing entries.
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// ListingConfig configures how LIST output is interpreted.
// The zero value autodetects Unix and DOS style listings with English month
// names in the local time zone.
type ListingConfig struct {
	// ParserKey selects a single built-in parser: "UNIX" or "WINDOWS".
	// Empty means autodetect. Other keys are accepted only together with Parser.
	ParserKey string

	// ServerLanguageCode selects localized month names ("en", "de", "fr",
	// "es", "it", "nl"). Unknown codes fall back to English.
	ServerLanguageCode string

	// DefaultDateFormat is the time layout for entries older than six months
	// ("Jan 2 2006" style on Unix servers) or for every DOS entry.
	DefaultDateFormat string

	// RecentDateFormat is the time layout for recent Unix entries, which
	// carry a time instead of a year ("Jan 2 15:04").
	RecentDateFormat string

	// ServerTimeZone is the zone listing times are expressed in.
	ServerTimeZone *time.Location

	// ShortMonthNames overrides the month names; it must have 12 entries.
	ShortMonthNames []string

	// Parser is tried before the built-in parsers.
	Parser ListingParser
}

var languageMonths = map[string]string{
	"en": "jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec",
	"de": "jan|feb|mär|apr|mai|jun|jul|aug|sep|okt|nov|dez",
	"fr": "jan|fév|mar|avr|mai|jun|jui|aoû|sep|oct|nov|déc",
	"es": "ene|feb|mar|abr|may|jun|jul|ago|sep|oct|nov|dic",
	"it": "gen|feb|mar|apr|mag|giu|lug|ago|set|ott|nov|dic",
	"nl": "jan|feb|mrt|apr|mei|jun|jul|aug|sep|okt|nov|dec",
}

// Validate reports configuration errors without touching the network.
func (cfg ListingConfig) Validate() error {
	switch strings.ToUpper(cfg.ParserKey) {
	case "", "UNIX", "WINDOWS":
	default:
		if cfg.Parser == nil {
			return fmt.Errorf("unknown listing parser key %q", cfg.ParserKey)
		}
	}
	if cfg.ShortMonthNames != nil {
		if len(cfg.ShortMonthNames) != 12 {
			return fmt.Errorf("short month names: want 12 entries, got %d", len(cfg.ShortMonthNames))
		}
		for i, name := range cfg.ShortMonthNames {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("short month names: entry %d is empty", i+1)
			}
		}
	}
	return nil
}

// SetListingConfig replaces the listing configuration used by List.
func (c *Client) SetListingConfig(cfg ListingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.listing = cfg
	return nil
}

// parsers returns the listing parsers in the order they should be tried.
func (c *Client) parsers() []ListingParser {
	dates := newDateParser(c.listing)

	var parsers []ListingParser
	if c.listing.Parser != nil {
		parsers = append(parsers, c.listing.Parser)
	}
	switch strings.ToUpper(c.listing.ParserKey) {
	case "UNIX":
		parsers = append(parsers, &UnixParser{dates: dates})
	case "WINDOWS":
		parsers = append(parsers, &DOSParser{dates: dates})
	case "":
		parsers = append(parsers, &DOSParser{dates: dates}, &UnixParser{dates: dates})
	}
	return parsers
}

// List returns the entries of the given directory ("" for the current one).
//
// Example:
//
//	entries, err := client.List("/pub")
//	for _, entry := range entries {
//	    fmt.Printf("%s: %d bytes (%s)\n", entry.Name, entry.Size, entry.Type)
//	}
func (c *Client) List(path string) ([]*Entry, error) {
	args := []string{}
	if path != "" {
		args = append(args, path)
	}

	dataConn, err := c.cmdDataConn("LIST", args...)
	if err != nil {
		return nil, err
	}

	parsers := c.parsers()
	var entries []*Entry
	scanner := bufio.NewScanner(dataConn)
	for scanner.Scan() {
		if entry := parseListLine(scanner.Text(), parsers); entry != nil {
			entries = append(entries, entry)
		}
	}

	if err := scanner.Err(); err != nil {
		_ = c.finishDataConn(dataConn)
		return nil, fmt.Errorf("failed to read directory listing: %w", err)
	}

	if err := c.finishDataConn(dataConn); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseListLine tries each parser in turn. Lines nobody understands are kept
// with Type "unknown"; blank lines are dropped.
func parseListLine(line string, parsers []ListingParser) *Entry {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	for _, p := range parsers {
		if entry, ok := p.Parse(trimmed); ok {
			return entry
		}
	}
	return &Entry{Raw: line, Name: trimmed, Type: "unknown"}
}

// UnixParser parses Unix-style directory entries.
type UnixParser struct {
	dates *dateParser
}

// Parse handles both 9-field (with group) and 8-field listings with
// symbolic or numeric permissions.
func (p *UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}

	entry := &Entry{Raw: line}
	if !parseUnixType(entry, fields[0]) {
		return nil, false
	}

	// 9-field: perms links owner group size month day time/year name
	// 8-field: perms links owner size month day time/year name
	sizeIdx := -1
	if len(fields) >= 9 && isNumber(fields[4]) {
		sizeIdx = 4
	} else if isNumber(fields[3]) {
		sizeIdx = 3
	}
	if sizeIdx < 0 {
		return nil, false
	}
	entry.Size, _ = strconv.ParseInt(fields[sizeIdx], 10, 64)

	nameIdx := sizeIdx + 4
	if nameIdx >= len(fields) {
		return nil, false
	}

	dates := p.dates
	if dates == nil {
		dates = newDateParser(ListingConfig{})
	}
	if t, ok := dates.unix(fields[sizeIdx+1], fields[sizeIdx+2], fields[sizeIdx+3]); ok {
		entry.ModTime = t
	}

	name := strings.Join(fields[nameIdx:], " ")
	if entry.Type == "link" {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			name, entry.Target = before, after
		}
	}
	entry.Name = name
	return entry, true
}

func parseUnixType(entry *Entry, perms string) bool {
	switch perms[0] {
	case 'd':
		entry.Type = "dir"
		return true
	case 'l':
		entry.Type = "link"
		return true
	case '-', 'b', 'c', 'p', 's':
		entry.Type = "file"
		return true
	}

	// Numeric permissions; the type cannot be told apart
	if len(perms) >= 3 && len(perms) <= 4 && strings.Trim(perms, "01234567") == "" {
		entry.Type = "file"
		return true
	}
	return false
}

func isNumber(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// DOSParser parses DOS/Windows-style directory entries.
type DOSParser struct {
	dates *dateParser
}

// Parse handles "12-14-23  12:22PM  1037794 file.pdf" and
// "09-24-24  10:30AM  <DIR>  logs".
func (p *DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) {
		return nil, false
	}

	entry := &Entry{Raw: line, Name: strings.Join(fields[3:], " ")}
	if fields[2] == "<DIR>" {
		entry.Type = "dir"
	} else {
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, false
		}
		entry.Type = "file"
		entry.Size = size
	}

	dates := p.dates
	if dates == nil {
		dates = newDateParser(ListingConfig{})
	}
	if t, ok := dates.dos(fields[0], fields[1]); ok {
		entry.ModTime = t
	}
	return entry, true
}

// isDOSDate checks for MM-DD-YY, MM-DD-YYYY, MM/DD/YY or MM/DD/YYYY.
func isDOSDate(s string) bool {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) != 3 || strings.Count(s, "-")+strings.Count(s, "/") != 2 {
		return false
	}
	for i, part := range parts {
		if !isNumber(part) || strings.HasPrefix(part, "+") || strings.HasPrefix(part, "-") {
			return false
		}
		if i < 2 && len(part) > 2 {
			return false
		}
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
	}
	return true
}

// dateParser turns listing date fields into times according to a ListingConfig.
type dateParser struct {
	months        map[string]time.Month
	loc           *time.Location
	defaultLayout string
	recentLayout  string
	now           func() time.Time
}

func newDateParser(cfg ListingConfig) *dateParser {
	d := &dateParser{
		months:        make(map[string]time.Month, 24),
		loc:           cfg.ServerTimeZone,
		defaultLayout: cfg.DefaultDateFormat,
		recentLayout:  cfg.RecentDateFormat,
		now:           time.Now,
	}
	if d.loc == nil {
		d.loc = time.Local
	}

	addMonths := func(names []string) {
		for i, name := range names {
			d.months[strings.ToLower(strings.TrimSpace(name))] = time.Month(i + 1)
		}
	}
	addMonths(strings.Split(languageMonths["en"], "|"))
	if names, ok := languageMonths[strings.ToLower(cfg.ServerLanguageCode)]; ok {
		addMonths(strings.Split(names, "|"))
	}
	if len(cfg.ShortMonthNames) == 12 {
		addMonths(cfg.ShortMonthNames)
	}
	return d
}

// unix parses the month, day and time-or-year columns of a Unix listing.
func (d *dateParser) unix(month, day, yearOrClock string) (time.Time, bool) {
	m, ok := d.months[strings.ToLower(month)]
	if !ok {
		return time.Time{}, false
	}
	value := m.String()[:3] + " " + day + " " + yearOrClock

	if !strings.Contains(yearOrClock, ":") {
		layout := d.defaultLayout
		if layout == "" {
			layout = "Jan 2 2006"
		}
		t, err := time.ParseInLocation(layout, value, d.loc)
		return t, err == nil
	}

	layout := d.recentLayout
	if layout == "" {
		layout = "Jan 2 15:04"
	}
	t, err := time.ParseInLocation(layout, value, d.loc)
	if err != nil {
		return time.Time{}, false
	}
	if t.Year() != 0 {
		return t, true
	}

	// Recent entries omit the year: it is this year unless that would put
	// the entry in the future.
	now := d.now().In(d.loc)
	t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, d.loc)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, true
}

// dos parses the date and time columns of a DOS listing.
func (d *dateParser) dos(date, clock string) (time.Time, bool) {
	value := strings.ReplaceAll(date, "/", "-") + " " + strings.ToUpper(clock)

	layouts := []string{"01-02-06 03:04PM", "01-02-2006 03:04PM", "01-02-06 15:04", "01-02-2006 15:04"}
	if d.defaultLayout != "" {
		layouts = []string{d.defaultLayout}
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, d.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
