package dataset

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gonum.org/v1/gonum/mat"
)

// NormalizeLabel folds a class label so that "Café", "cafe" and " CAFÉ "
// name the same class: accents are stripped, case is folded and surrounding
// space is removed.
func NormalizeLabel(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// OneHot encodes labels as one-hot rows. Classes are the distinct
// normalized labels in sorted order, and column j of the result belongs to
// classes[j].
func OneHot(labels []string) (*mat.Dense, []string, error) {
	if len(labels) == 0 {
		return nil, nil, ErrNoData
	}
	norms := make([]string, len(labels))
	seen := make(map[string]struct{})
	for i, l := range labels {
		norms[i] = NormalizeLabel(l)
		seen[norms[i]] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	y := mat.NewDense(len(labels), len(classes), nil)
	for i, n := range norms {
		y.Set(i, index[n], 1)
	}
	return y, classes, nil
}
