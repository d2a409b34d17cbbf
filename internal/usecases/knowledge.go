package usecases

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

// MaxKnowledgeEntries is how many ranked entries go into the prompt.
const MaxKnowledgeEntries = 15

const knowledgeHeader = "\n\n--- BASE DE CONOCIMIENTO DEL NEGOCIO ---\n" +
	"Usá esta información para responder las consultas del cliente. " +
	"Si la respuesta está en esta base de conocimiento, usala. " +
	"Si no encontrás la respuesta acá, decile al cliente que vas a consultar con el equipo.\n\n"

type KnowledgeStore interface {
	ListEnabled(ctx context.Context, tenantID string) ([]entities.KnowledgeEntry, error)
}

// KnowledgeRetriever builds the grounding block appended to the system prompt.
type KnowledgeRetriever struct {
	store KnowledgeStore
}

func NewKnowledgeRetriever(store KnowledgeStore) *KnowledgeRetriever {
	return &KnowledgeRetriever{store: store}
}

// Context returns the knowledge block for a query, or "" when the tenant
// has no enabled entries.
func (k *KnowledgeRetriever) Context(ctx context.Context, tenantID, query string) (string, error) {
	entries, err := k.store.ListEnabled(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return BuildKnowledgeContext(entries, query), nil
}

// BuildKnowledgeContext ranks entries and formats the top ones.
func BuildKnowledgeContext(entries []entities.KnowledgeEntry, query string) string {
	if len(entries) == 0 {
		return ""
	}
	ranked := Rank(entries, query)
	if len(ranked) > MaxKnowledgeEntries {
		ranked = ranked[:MaxKnowledgeEntries]
	}

	lines := make([]string, len(ranked))
	for i, e := range ranked {
		lines[i] = "[" + e.Category + "] " + e.Title + "\n" + e.Content
	}
	return knowledgeHeader + strings.Join(lines, "\n\n")
}

// Rank orders entries by relevance to query, highest first. Ties keep the
// input order. A query without usable tokens returns entries unchanged.
//
// For every (query token, entry token) pair an exact match scores 3 and a
// substring match in either direction scores 1. Each query token that is
// also a title token adds 5.
func Rank(entries []entities.KnowledgeEntry, query string) []entities.KnowledgeEntry {
	out := make([]entities.KnowledgeEntry, len(entries))
	copy(out, entries)

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return out
	}

	scores := make([]int, len(out))
	for i, e := range out {
		scores[i] = score(queryTokens, tokenize(e.Title+" "+e.Content), tokenize(e.Title))
	}

	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	ranked := make([]entities.KnowledgeEntry, len(out))
	for i, j := range idx {
		ranked[i] = out[j]
	}
	return ranked
}

func score(queryTokens, entryTokens, titleTokens []string) int {
	total := 0
	for _, q := range queryTokens {
		for _, e := range entryTokens {
			switch {
			case e == q:
				total += 3
			case strings.Contains(e, q) || strings.Contains(q, e):
				total++
			}
		}
	}
	for _, q := range queryTokens {
		for _, t := range titleTokens {
			if t == q {
				total += 5
				break
			}
		}
	}
	return total
}

// tokenize lowercases, strips diacritics, splits on anything that is not
// an ASCII letter, digit or underscore, and drops tokens of 2 chars or less.
func tokenize(text string) []string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn))),
		strings.ToLower(text),
	)
	if err != nil {
		folded = strings.ToLower(text)
	}

	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	tokens := words[:0]
	for _, w := range words {
		if len(w) > 2 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}
