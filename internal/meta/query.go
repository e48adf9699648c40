// query.go implements the meta query DSL and .meta/* evaluation.
//
// A meta document's body (its summary - meta docs are small enough to be
// stored verbatim) holds lines of three kinds:
//
//	key=value   AND filter: match documents with this exact tag
//	key=        fill: the value is taken from the current document's tag
//	key=*       prerequisite: skip the whole meta doc if the current
//	            document lacks this key
//
// Query lines OR together: each eq/fill line contributes its own candidate
// set and the union is ranked. Lines that are not key=... are prose and
// ignored.

package meta

import (
	"context"
	"sort"
	"strings"

	"github.com/hughpyle/keep/internal/store"
)

// RuleKind discriminates the three DSL line forms.
type RuleKind int

const (
	RuleEq RuleKind = iota
	RuleFill
	RulePrereq
)

// Rule is one parsed DSL line.
type Rule struct {
	Key   string
	Value string // only for RuleEq
	Kind  RuleKind
}

// ParseRules extracts DSL rules from a meta body, ignoring prose.
func ParseRules(body string) []Rule {
	var rules []Rule
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key == "" || strings.ContainsAny(key, " \t") {
			continue // prose that happened to contain '='
		}
		switch value {
		case "*":
			rules = append(rules, Rule{Key: key, Kind: RulePrereq})
		case "":
			rules = append(rules, Rule{Key: key, Kind: RuleFill})
		default:
			rules = append(rules, Rule{Key: key, Value: value, Kind: RuleEq})
		}
	}
	return rules
}

// Item is one ranked result inside a meta block.
type Item struct {
	ID      string
	Summary string
	Score   float64
}

// Block is the evaluated result of one meta document: a label and up to
// MaxBlockItems ranked items.
type Block struct {
	Label string
	Items []Item
}

// MaxBlockItems caps the results attached per meta document.
const MaxBlockItems = 3

// Ranker orders candidate ids by similarity-with-decay against a reference
// document. The keeper implements it with the vector store; tests stub it.
type Ranker interface {
	Rank(ctx context.Context, refID string, candidates []string, limit int) ([]Item, error)
}

// Blocks evaluates every .meta/* document against doc and returns the
// non-empty blocks in lexical meta-id order.
func (r *Resolver) Blocks(ctx context.Context, doc *store.Document, rank Ranker) ([]Block, error) {
	ids, err := r.docs.ListByPrefix(ctx, MetaDocPrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	var blocks []Block
	for _, metaID := range ids {
		metaDoc, err := r.docs.Get(ctx, metaID)
		if err != nil {
			continue
		}
		items, err := r.evalMeta(ctx, metaDoc, doc, rank)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			continue
		}
		blocks = append(blocks, Block{
			Label: strings.TrimPrefix(metaID, MetaDocPrefix),
			Items: items,
		})
	}
	return blocks, nil
}

// evalMeta runs one meta document's rules against doc.
func (r *Resolver) evalMeta(ctx context.Context, metaDoc, doc *store.Document, rank Ranker) ([]Item, error) {
	rules := ParseRules(metaDoc.Summary)
	if len(rules) == 0 {
		return nil, nil
	}

	// Prerequisites gate the whole meta doc.
	for _, rule := range rules {
		if rule.Kind == RulePrereq {
			if _, ok := doc.Tags[rule.Key]; !ok {
				return nil, nil
			}
		}
	}

	// Query lines OR together into one candidate set.
	seen := make(map[string]struct{})
	var candidates []string
	for _, rule := range rules {
		var key, value string
		switch rule.Kind {
		case RuleEq:
			key, value = rule.Key, rule.Value
		case RuleFill:
			v, ok := doc.Tags[rule.Key]
			if !ok || v == "" {
				continue // nothing to fill from; this line matches nothing
			}
			key, value = rule.Key, v
		default:
			continue
		}

		ids, err := r.docs.DocsWithTag(ctx, key, value)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id == doc.ID || strings.HasPrefix(id, ".") {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	return rank.Rank(ctx, doc.ID, candidates, MaxBlockItems)
}
