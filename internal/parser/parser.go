// Package parser turns free-form inbound text into a bounded, ordered list
// of trade intents.
//
// The input has already been decoded from its transport envelope; this
// package only sees plain text (possibly with residual markup). Parsing is
// a deterministic tokenizer plus a priority-ordered set of matchers; a
// fragment yields at most one intent, and malformed fragments are skipped
// silently rather than reported as errors.
package parser

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/predex/engine/internal/model"
)

// Amount bounds for a single intent, in points (BUY budget) or shares (SELL).
const (
	MinAmount int64 = 1
	MaxAmount int64 = 1000
)

// Intent is a parsed, not-yet-executed trade instruction.
type Intent struct {
	Action     model.Action
	Amount     int64
	Side       model.Side // YES unless the fragment names a side
	MarketHint string     // empty when the fragment names no market
}

// Result carries the extracted intents plus the count of fragments that
// were recognized but skipped (out-of-range amounts). The distinction lets
// the notification step phrase "not recognized" and "nothing tradable"
// differently.
type Result struct {
	Intents []Intent
	Skipped int
}

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	fragmentRe   = regexp.MustCompile(`[.,;!?\n\r]+`)
)

var actionWords = map[string]model.Action{
	"buy":  model.ActionBuy,
	"b":    model.ActionBuy,
	"sell": model.ActionSell,
	"s":    model.ActionSell,
}

var sideWords = map[string]model.Side{
	"yes": model.SideYes,
	"no":  model.SideNo,
}

// ParseIntents extracts the ordered, deduplicated intents from text.
func ParseIntents(text string) []Intent {
	return Parse(text).Intents
}

// Parse extracts intents and counts skipped fragments.
func Parse(text string) Result {
	var res Result

	seen := make(map[string]bool) // dedup key: action|amount
	for _, frag := range fragments(text) {
		intent, ok, skipped := matchFragment(frag)
		if skipped {
			res.Skipped++
		}
		if !ok {
			continue
		}

		key := string(intent.Action) + "|" + strconv.FormatInt(intent.Amount, 10)
		if seen[key] {
			// Identical (action, amount) pairs collapse to the earliest
			// occurrence; hints are not compared.
			continue
		}
		seen[key] = true
		res.Intents = append(res.Intents, intent)
	}
	return res
}

// fragments normalizes the text and splits it into sentence-like pieces.
func fragments(text string) []string {
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = strings.ToLower(text)
	text = whitespaceRe.ReplaceAllString(text, " ")

	parts := fragmentRe.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matchFragment applies the matchers in priority order. ok reports a valid
// intent; skipped reports a recognized command whose amount was out of
// bounds (silently dropped, but counted).
func matchFragment(frag string) (intent Intent, ok bool, skipped bool) {
	tokens := strings.Fields(frag)
	if len(tokens) == 0 {
		return Intent{}, false, false
	}

	// 1. ACTION amount [side] [hint...]
	if action, isAction := actionWords[tokens[0]]; isAction && len(tokens) >= 2 {
		if amount, numeric := parseAmountToken(tokens[1]); numeric {
			return buildIntent(action, amount, tokens[2:])
		}
	}

	// 2. amount ACTION [side] [hint...]
	if amount, numeric := parseAmountToken(tokens[0]); numeric && len(tokens) >= 2 {
		if action, isAction := actionWords[tokens[1]]; isAction {
			return buildIntent(action, amount, tokens[2:])
		}
	}

	// 3. Word scan: first action word and first number anywhere in the
	// fragment, no hint.
	var (
		action    model.Action
		hasAction bool
	)
	for _, tok := range tokens {
		if a, isAction := actionWords[tok]; isAction {
			action = a
			hasAction = true
			break
		}
	}
	if !hasAction {
		return Intent{}, false, false
	}
	for _, tok := range tokens {
		if amount, numeric := parseAmountToken(tok); numeric {
			return buildIntent(action, amount, nil)
		}
	}
	return Intent{}, false, false
}

// buildIntent validates the amount and consumes a leading side token from
// the trailing words; whatever remains becomes the market hint.
func buildIntent(action model.Action, amount int64, rest []string) (Intent, bool, bool) {
	if amount < MinAmount || amount > MaxAmount {
		return Intent{}, false, true
	}

	side := model.SideYes
	if len(rest) > 0 {
		if s, isSide := sideWords[rest[0]]; isSide {
			side = s
			rest = rest[1:]
		}
	}

	return Intent{
		Action:     action,
		Amount:     amount,
		Side:       side,
		MarketHint: strings.Join(rest, " "),
	}, true, false
}

func parseAmountToken(tok string) (int64, bool) {
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
