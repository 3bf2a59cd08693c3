// Package taglib turns a tabular tag dataset into a lookup index and uses it
// to validate model-returned tags against the controlled vocabulary.
package taglib

import (
	"encoding/csv"
	"strings"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/editdistance"
)

// Format is the detected dataset layout.
type Format int

const (
	FormatSimple       Format = iota // tag,definition
	FormatMultilingual               // en,zh-CN,zh-TW,note,description
)

func (f Format) String() string {
	if f == FormatSimple {
		return "simple"
	}
	return "multilingual"
}

const (
	sectionMarker = ",=="

	colDescription = 4
	minMultiCols   = 5
)

// Index maps every known spelling of a tag (lower-cased) to its canonical
// form in one target language. It is immutable once built.
type Index struct {
	format  Format
	lang    models.TagLanguage
	lookup  map[string]string
	ordered []string
}

// Build parses dataset and registers every usable row. Malformed rows are
// skipped.
func Build(dataset string, lang models.TagLanguage) *Index {
	idx := &Index{
		lang:   lang,
		lookup: make(map[string]string),
	}

	rows := dataRows(dataset)
	if len(rows) == 0 {
		return idx
	}
	if len(rows[0]) == 2 {
		idx.format = FormatSimple
	} else {
		idx.format = FormatMultilingual
	}

	for _, cols := range rows {
		switch idx.format {
		case FormatSimple:
			idx.addSimple(cols)
		case FormatMultilingual:
			idx.addMultilingual(cols)
		}
	}
	return idx
}

func (idx *Index) addSimple(cols []string) {
	if len(cols) < 2 {
		return
	}
	tag := cols[0]
	if tag == "" {
		return
	}
	idx.register(tag, tag)
	if def := cols[1]; def != "" {
		idx.register(def, tag)
	}
}

func (idx *Index) addMultilingual(cols []string) {
	if len(cols) < minMultiCols || cols[colDescription] == "" {
		return
	}
	target := cols[idx.lang.Column()]
	if target == "" {
		return
	}
	for _, variant := range cols[:3] {
		if variant != "" {
			idx.register(variant, target)
		}
	}
}

func (idx *Index) register(key, value string) {
	k := strings.ToLower(key)
	if _, exists := idx.lookup[k]; exists {
		return
	}
	idx.lookup[k] = value
	idx.ordered = append(idx.ordered, k)
}

// Resolve returns the canonical tag for candidate. An exact case-insensitive
// match wins; otherwise the closest key within the length-dependent
// tolerance is used, ties going to the earliest registered key.
func (idx *Index) Resolve(candidate string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(candidate))
	if key == "" {
		return "", false
	}
	if v, ok := idx.lookup[key]; ok {
		return v, true
	}

	tolerance := editdistance.Tolerance(len([]rune(key)))
	if tolerance == 0 {
		return "", false
	}

	best := ""
	bestDist := tolerance + 1
	for _, k := range idx.ordered {
		d, ok := editdistance.Within(key, k, tolerance)
		if ok && d < bestDist {
			best, bestDist = k, d
		}
	}
	if best == "" {
		return "", false
	}
	return idx.lookup[best], true
}

// Format reports the detected layout.
func (idx *Index) Format() Format { return idx.format }

// Language reports the target language the index resolves into.
func (idx *Index) Language() models.TagLanguage { return idx.lang }

// Len returns the number of registered keys.
func (idx *Index) Len() int { return len(idx.ordered) }

// Keys returns the registered keys in registration order.
func (idx *Index) Keys() []string {
	out := make([]string, len(idx.ordered))
	copy(out, idx.ordered)
	return out
}

// dataRows splits dataset into trimmed CSV records, dropping the header row,
// blank lines, section markers and lines that fail to parse.
func dataRows(dataset string) [][]string {
	lines := strings.Split(dataset, "\n")
	if len(lines) <= 1 {
		return nil
	}
	rows := make([][]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, sectionMarker) {
			continue
		}
		cols, ok := parseLine(line)
		if !ok {
			continue
		}
		rows = append(rows, cols)
	}
	return rows
}

func parseLine(line string) ([]string, bool) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, false
	}
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}
	return record, true
}
