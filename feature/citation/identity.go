package citation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// BibcodeLength is the fixed length of a canonical code.
const BibcodeLength = 19

const (
	bibcodeMiddle = 14
	pageDigits    = 10
)

var (
	zenodoRecord = regexp.MustCompile(`zenodo\.([0-9]+)`)
	yearPrefix   = regexp.MustCompile(`^[0-9]{4}`)

	// ErrNoBibcode is returned when metadata lacks the fields a code is built from.
	ErrNoBibcode = errors.New("bibcode cannot be derived")
)

// publisherStems maps DOI prefixes to the bibstem of the code.
var publisherStems = map[string]string{
	"10.5281": "zndo",
	"10.6084": "fgsh",
}

const defaultStem = "sftw"

// BuildBibcode derives the canonical code of a DOI target from its metadata:
// publication year, a publisher stem, the record page and the first author's initial.
func BuildBibcode(content string, meta Metadata) (string, error) {
	year := yearPrefix.FindString(strings.TrimSpace(meta.PubDate))
	if year == "" {
		return "", fmt.Errorf("%w: publication date %q has no year", ErrNoBibcode, meta.PubDate)
	}

	stem := defaultStem
	if prefix, _, ok := strings.Cut(content, "/"); ok {
		if s, found := publisherStems[prefix]; found {
			stem = s
		}
	}

	page := ""
	if m := zenodoRecord.FindStringSubmatch(content); m != nil {
		page = m[1]
	} else {
		page = digestPage(meta.Title, content)
	}
	if len(page) > pageDigits {
		page = page[len(page)-pageDigits:]
	}

	code := year + stem + strings.Repeat(".", bibcodeMiddle-len(stem)-len(page)) + page + authorInitial(meta.Authors)
	return NormalizeBibcode(code), nil
}

// digestPage turns title and content into a stable numeric page segment.
func digestPage(title, content string) string {
	sum := blake3.Sum256([]byte(strings.ToLower(strings.TrimSpace(title)) + "|" + content))
	n := binary.BigEndian.Uint64(sum[:8]) % 1_000_000_000
	return strconv.FormatUint(n, 10)
}

// authorInitial is the upper-cased first letter of the first author's last name, or '.'.
func authorInitial(authors []string) string {
	if len(authors) == 0 {
		return "."
	}
	name := strings.TrimSpace(authors[0])
	if last, _, ok := strings.Cut(name, ","); ok {
		name = last
	} else if fields := strings.Fields(name); len(fields) > 0 {
		name = fields[len(fields)-1]
	}
	r, _ := utf8.DecodeRuneInString(strings.TrimSpace(name))
	if r < unicode.MaxASCII && unicode.IsLetter(r) {
		return string(unicode.ToUpper(r))
	}
	return "."
}

// NormalizeBibcode pads or truncates code to BibcodeLength, keeping the final
// character, and upper-cases that final character.
func NormalizeBibcode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	last := code[len(code)-1:]
	body := code[:len(code)-1]
	switch {
	case len(code) < BibcodeLength:
		body += strings.Repeat(".", BibcodeLength-len(code))
	case len(code) > BibcodeLength:
		body = body[:BibcodeLength-1]
	}
	return body + strings.ToUpper(last)
}

// KeepYear returns code with the year segment of previous.
func KeepYear(code, previous string) string {
	if len(code) < 4 || !yearPrefix.MatchString(previous) {
		return code
	}
	return previous[:4] + code[4:]
}

// mergeAlternates adds old to alternates and removes current, deduplicated and sorted.
func mergeAlternates(alternates []string, old, current string) []string {
	seen := make(map[string]struct{}, len(alternates)+1)
	var out []string
	add := func(code string) {
		if code == "" || code == current {
			return
		}
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	for _, a := range alternates {
		add(a)
	}
	add(old)
	sort.Strings(out)
	return out
}

// identityChange describes a recomputed bibcode.
type identityChange struct {
	Old string
	New string
}

// Changed reports whether the bibcode moved.
func (c identityChange) Changed() bool {
	return c.Old != c.New
}

// recomputeBibcode derives the bibcode of t from its effective metadata,
// keeping the year of the current code, and records the previous code as an
// alternate when it changes. t is modified in place.
func recomputeBibcode(t *Target) (identityChange, error) {
	meta, err := EffectiveMetadata(t)
	if err != nil {
		return identityChange{}, err
	}
	code, err := BuildBibcode(t.Content, meta)
	if err != nil {
		return identityChange{}, err
	}
	if t.Bibcode != "" {
		code = KeepYear(code, t.Bibcode)
	}
	change := identityChange{Old: t.Bibcode, New: code}
	if !change.Changed() {
		return change, nil
	}
	parsed := t.Parsed()
	parsed.AlternateBibcodes = mergeAlternates(parsed.AlternateBibcodes, change.Old, change.New)
	t.SetParsed(parsed)
	t.Bibcode = code
	return change, nil
}
