// prompt.go implements .prompt/* selection: user-editable overrides for the
// system prompts fed to the summarize, analyze, and agent providers.
//
// A prompt document's body has match rules (the meta DSL) above a
// "## Prompt" heading and the replacement prompt below it. Selection: among
// prompt docs whose rules are all satisfied by the subject document, pick
// the one with the most satisfied rules; ties break by lexical id order.

package meta

import (
	"context"
	"sort"
	"strings"

	"github.com/hughpyle/keep/internal/store"
)

// Prompt families.
const (
	FamilySummarize = "summarize"
	FamilyAnalyze   = "analyze"
	FamilyAgent     = "agent"
)

const promptHeading = "## Prompt"

// SelectPrompt returns the override prompt for a family and subject
// document, or ("", false) when no prompt doc matches.
func (r *Resolver) SelectPrompt(ctx context.Context, family string, doc *store.Document) (string, bool, error) {
	prefix := PromptDocPrefix + family + "/"
	ids, err := r.docs.ListByPrefix(ctx, prefix)
	if err != nil {
		return "", false, err
	}
	sort.Strings(ids) // lexical order is the tie-break

	bestScore := -1
	bestPrompt := ""
	for _, id := range ids {
		promptDoc, err := r.docs.Get(ctx, id)
		if err != nil {
			continue
		}
		rules, prompt := splitPromptBody(promptDoc.Summary)
		if prompt == "" {
			continue
		}
		score, matched := scoreRules(rules, doc)
		if !matched || score <= bestScore {
			continue
		}
		bestScore = score
		bestPrompt = prompt
	}
	if bestScore < 0 {
		return "", false, nil
	}
	return bestPrompt, true, nil
}

// splitPromptBody separates the match-rule header from the prompt section.
func splitPromptBody(body string) (rules []Rule, prompt string) {
	idx := strings.Index(body, promptHeading)
	if idx < 0 {
		return ParseRules(body), ""
	}
	head := body[:idx]
	tail := body[idx+len(promptHeading):]
	return ParseRules(head), strings.TrimSpace(tail)
}

// scoreRules evaluates match rules against a document. All rules must hold
// for the doc to match; the score is the rule count, so more specific
// prompts beat general ones. Fill and prereq rules are presence checks
// here; eq rules are equality checks.
func scoreRules(rules []Rule, doc *store.Document) (int, bool) {
	score := 0
	for _, rule := range rules {
		switch rule.Kind {
		case RuleEq:
			if doc.Tags[rule.Key] != rule.Value {
				return 0, false
			}
		case RuleFill, RulePrereq:
			if _, ok := doc.Tags[rule.Key]; !ok {
				return 0, false
			}
		}
		score++
	}
	return score, true
}
