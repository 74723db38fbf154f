package engine

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/isometry/ldap-bulkops/internal/ldap"
)

// Source yields the ordered sequence of subjects a bulk run acts on.
// Sources are lazy and restartable: the executor restarts the sequence
// once per server.
type Source interface {
	// Kind names the source for diagnostics ("range", "csv", ...).
	Kind() string

	// Validate checks static parameters before any server is touched.
	Validate() error

	// Restart rewinds the sequence to the beginning.
	Restart() error

	// Next returns the next subject's bindings, or io.EOF when the
	// sequence is exhausted.
	Next() (*Bindings, error)

	// Count returns the number of subjects, or -1 when unknown ahead
	// of time.
	Count() int
}

// --- Range source ---

// RangeSource yields the integers start..end inclusive, bound to COUNT.
type RangeSource struct {
	Start int
	End   int
	cur   int
}

// NewRangeSource creates a range source.
func NewRangeSource(start, end int) *RangeSource {
	return &RangeSource{Start: start, End: end, cur: start}
}

func (s *RangeSource) Kind() string { return "range" }

func (s *RangeSource) Validate() error {
	if s.Start > s.End {
		return &ValidationError{
			Field: "range",
			Msg:   fmt.Sprintf("start %d is greater than end %d", s.Start, s.End),
		}
	}
	return nil
}

func (s *RangeSource) Restart() error {
	s.cur = s.Start
	return nil
}

func (s *RangeSource) Next() (*Bindings, error) {
	if s.cur > s.End {
		return nil, io.EOF
	}
	b := NewBindings()
	b.Set(BindingCount, strconv.Itoa(s.cur))
	s.cur++
	return b, nil
}

func (s *RangeSource) Count() int { return s.End - s.Start + 1 }

// --- Search result source ---

// SearchSource wraps the entries of a prior directory search. Each
// entry contributes its DN and one binding per attribute; for a
// multivalued attribute only the first value is bound, a deliberate
// limitation of the template language.
type SearchSource struct {
	entries []*ldap.Entry
	idx     int
}

// NewSearchSource creates a source over previously fetched entries.
func NewSearchSource(entries []*ldap.Entry) *SearchSource {
	return &SearchSource{entries: entries}
}

func (s *SearchSource) Kind() string { return "search" }

func (s *SearchSource) Validate() error {
	if len(s.entries) == 0 {
		return &ValidationError{Field: "search", Msg: "search produced no entries to act on"}
	}
	return nil
}

func (s *SearchSource) Restart() error {
	s.idx = 0
	return nil
}

func (s *SearchSource) Next() (*Bindings, error) {
	if s.idx >= len(s.entries) {
		return nil, io.EOF
	}
	entry := s.entries[s.idx]
	s.idx++

	b := NewBindings()
	b.Set(BindingDN, entry.DN)
	for _, attr := range entry.Attributes {
		if len(attr.Values) == 0 {
			continue
		}
		b.SetAttribute(attr.Name, attr.Values[0])
	}
	return b, nil
}

func (s *SearchSource) Count() int { return len(s.entries) }

// --- CSV source ---

// CSVSourceConfig controls CSV interpretation. Header skipping and
// quote stripping live here, not in the engine.
type CSVSourceConfig struct {
	SkipHeader bool
	TrimQuotes bool
	Comma      rune // zero means ','
}

// CSVSource yields one subject per row, columns bound as C1..Cn.
// The open callback makes the source restartable without holding the
// whole file in memory.
type CSVSource struct {
	open   func() (io.ReadCloser, error)
	config CSVSourceConfig

	rc  io.ReadCloser
	r   *csv.Reader
	row int
}

// NewCSVSource creates a CSV source from a reopenable stream.
func NewCSVSource(open func() (io.ReadCloser, error), config CSVSourceConfig) *CSVSource {
	return &CSVSource{open: open, config: config}
}

// NewCSVSourceFromString creates a CSV source over in-memory data.
func NewCSVSourceFromString(data string, config CSVSourceConfig) *CSVSource {
	return NewCSVSource(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(data)), nil
	}, config)
}

func (s *CSVSource) Kind() string { return "csv" }

func (s *CSVSource) Validate() error {
	if s.open == nil {
		return &ValidationError{Field: "csv", Msg: "no input configured"}
	}
	return nil
}

func (s *CSVSource) Restart() error {
	if s.rc != nil {
		_ = s.rc.Close()
		s.rc = nil
	}

	rc, err := s.open()
	if err != nil {
		return fmt.Errorf("failed to open CSV input: %w", err)
	}

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if s.config.Comma != 0 {
		r.Comma = s.config.Comma
	}

	s.rc = rc
	s.r = r
	s.row = 0

	if s.config.SkipHeader {
		if _, err := r.Read(); err != nil && err != io.EOF {
			return fmt.Errorf("failed to read CSV header: %w", err)
		}
	}
	return nil
}

func (s *CSVSource) Next() (*Bindings, error) {
	if s.r == nil {
		if err := s.Restart(); err != nil {
			return nil, err
		}
	}

	row, err := s.r.Read()
	if err == io.EOF {
		_ = s.rc.Close()
		s.rc = nil
		s.r = nil
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("CSV row %d: %w", s.row+1, err)
	}
	s.row++

	b := NewBindings()
	for i, field := range row {
		value := strings.TrimSpace(field)
		if s.config.TrimQuotes {
			value = strings.Trim(value, `"`)
		}
		b.Set(fmt.Sprintf("C%d", i+1), value)
	}
	return b, nil
}

func (s *CSVSource) Count() int { return -1 }

// --- Member source ---

// MemberSource yields one subject per validated member candidate,
// binding the candidate's DN and resolved uid.
type MemberSource struct {
	candidates []MemberCandidate
	idx        int
}

// NewMemberSource creates a source over validated candidates.
func NewMemberSource(candidates []MemberCandidate) *MemberSource {
	return &MemberSource{candidates: candidates}
}

func (s *MemberSource) Kind() string { return "members" }

func (s *MemberSource) Validate() error {
	if len(s.candidates) == 0 {
		return &ValidationError{Field: "members", Msg: "no validated members to act on"}
	}
	return nil
}

func (s *MemberSource) Restart() error {
	s.idx = 0
	return nil
}

func (s *MemberSource) Next() (*Bindings, error) {
	if s.idx >= len(s.candidates) {
		return nil, io.EOF
	}
	c := s.candidates[s.idx]
	s.idx++

	b := NewBindings()
	b.Set(BindingDN, c.DN)
	b.SetAttribute("uid", c.UID)
	return b, nil
}

func (s *MemberSource) Count() int { return len(s.candidates) }
