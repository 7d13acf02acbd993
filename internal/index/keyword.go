package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Hit is a keyword search candidate.
type Hit struct {
	ID    string
	Score float64
}

// Tokenize lowercases s and splits it into word tokens of at least two
// characters. Word characters are letters, digits and underscores.
func Tokenize(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, w := range words {
		if len([]rune(w)) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// KeywordSearch scores records of namespace by token overlap with query.
// Every status is searched; truth resolution happens in the caller. Hits
// are ordered by score, then id. An empty namespace searches all.
func (ix *Index) KeywordSearch(ctx context.Context, query, namespace string, limit int) ([]Hit, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	var (
		clauses []string
		args    []any
	)
	for _, tok := range tokens {
		clauses = append(clauses, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(tok)+"%")
	}
	sqlQuery := `SELECT id, title, target, search_text FROM records WHERE (` + strings.Join(clauses, " OR ") + `)`
	if namespace != "" {
		sqlQuery += ` AND namespace = ?`
		args = append(args, namespace)
	}

	rows, err := ix.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id, title, target, text string
		if err := rows.Scan(&id, &title, &target, &text); err != nil {
			return nil, err
		}
		if score := scoreText(tokens, strings.ToLower(title), strings.ToLower(target), text); score > 0 {
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// scoreText rewards matched tokens with sublinear term frequency, plus a
// bonus for title matches and exact target matches.
func scoreText(tokens []string, title, target, text string) float64 {
	var score float64
	for _, tok := range tokens {
		tf := strings.Count(text, tok)
		if tf == 0 {
			continue
		}
		score += 1 + math.Log1p(float64(tf))
		if strings.Contains(title, tok) {
			score += 1
		}
		if target == tok {
			score += 2
		}
	}
	return score
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
