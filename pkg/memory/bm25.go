package memory

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	maxQueryTerms = 32
)

var queryTermPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// queryTerms extracts unique lowercase terms from free text, in order of
// first appearance.
func queryTerms(query string) []string {
	raw := queryTermPattern.FindAllString(strings.ToLower(query), -1)
	seen := make(map[string]struct{}, len(raw))
	terms := make([]string, 0, len(raw))
	for _, term := range raw {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return terms
}

// buildMatchQuery turns free text into an FTS MATCH expression that ORs each
// quoted term. Quoting keeps user text from being parsed as FTS operators.
func buildMatchQuery(query string) string {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + term + `"`
	}
	return strings.Join(quoted, " OR ")
}

// matchInfo is a decoded matchinfo(..., 'pcnalx') blob.
type matchInfo struct {
	phrases  int
	columns  int
	rows     int
	avgLen   []uint32
	docLen   []uint32
	hitStats []uint32 // 3 values per (phrase, column)
}

func decodeMatchInfo(blob []byte) (matchInfo, error) {
	if len(blob)%4 != 0 || len(blob) < 12 {
		return matchInfo{}, fmt.Errorf("malformed matchinfo blob of %d bytes", len(blob))
	}
	vals := make([]uint32, len(blob)/4)
	for i := range vals {
		vals[i] = binary.NativeEndian.Uint32(blob[i*4:])
	}

	p, c := int(vals[0]), int(vals[1])
	want := 3 + 2*c + 3*p*c
	if len(vals) < want {
		return matchInfo{}, fmt.Errorf("matchinfo blob has %d values, want %d", len(vals), want)
	}

	return matchInfo{
		phrases:  p,
		columns:  c,
		rows:     int(vals[2]),
		avgLen:   vals[3 : 3+c],
		docLen:   vals[3+c : 3+2*c],
		hitStats: vals[3+2*c : want],
	}, nil
}

// bm25 scores one row. Higher is better.
func (mi matchInfo) bm25() float64 {
	n := float64(mi.rows)
	var score float64
	for col := 0; col < mi.columns; col++ {
		avgdl := float64(mi.avgLen[col])
		if avgdl <= 0 {
			avgdl = 1
		}
		dl := float64(mi.docLen[col])
		norm := bm25K1 * (1 - bm25B + bm25B*dl/avgdl)

		for phrase := 0; phrase < mi.phrases; phrase++ {
			base := 3 * (phrase*mi.columns + col)
			tf := float64(mi.hitStats[base])
			if tf == 0 {
				continue
			}
			df := float64(mi.hitStats[base+2])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += idf * tf * (bm25K1 + 1) / (tf + norm)
		}
	}
	return score
}
