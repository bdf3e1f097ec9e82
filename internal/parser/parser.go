// Package parser turns raw feed messages into classified flow events.
package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/floworacle/internal/models"
	"github.com/rewired-gh/floworacle/internal/scoring"
)

// Skip explains why a message or line produced no event.
type Skip string

const (
	SkipNoToken        Skip = "no_token"
	SkipNoCategory     Skip = "no_category"
	SkipNoAmount       Skip = "no_amount"
	SkipBelowThreshold Skip = "below_threshold"
)

var (
	reWord     = regexp.MustCompile(`\b[A-Z]{2,10}\b`)
	reKind     = regexp.MustCompile(`(?i)\b(CEX|DEX|VC|MERCADO)\b`)
	reExchange = regexp.MustCompile(`\[([A-Za-z0-9.\-_ ]{2,30})\]`)
	reUSD      = regexp.MustCompile(`([-+]?)\$\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*([KMB]\b)?`)
	reClock    = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d):([0-5]\d)\b`)
)

var suffixes = map[string]decimal.Decimal{
	"K": decimal.NewFromInt(1_000),
	"M": decimal.NewFromInt(1_000_000),
	"B": decimal.NewFromInt(1_000_000_000),
}

// Record is a pre-structured flow, accepted as a JSON object in place of alert text.
type Record struct {
	Token     string    `json:"token"`
	Category  string    `json:"category"`
	USD       float64   `json:"usd"`
	Timestamp time.Time `json:"ts"`
	Exchange  string    `json:"exchange"`
}

// Parser classifies messages against the configured token set and thresholds.
// It has no side effects; malformed input is skipped, never an error.
type Parser struct {
	tokens  []string
	stables map[string]bool
	foldOK  bool
	rules   *scoring.Rules
}

// New creates a parser. tokens is the configured token list (it may contain
// STABLES); stablecoins lists the symbols folded into STABLES.
func New(tokens, stablecoins []string, rules *scoring.Rules) *Parser {
	p := &Parser{stables: make(map[string]bool), rules: rules}
	for _, t := range tokens {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if t == models.StablesToken {
			p.foldOK = true
			continue
		}
		p.tokens = append(p.tokens, t)
	}
	for _, s := range stablecoins {
		p.stables[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return p
}

// Parse extracts every event a message carries, in line order, along with the
// reasons lines or the whole message were skipped.
func (p *Parser) Parse(msg models.RawMessage) ([]models.Event, []Skip) {
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "{") {
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err == nil && rec.Token != "" {
			if rec.Timestamp.IsZero() {
				rec.Timestamp = msg.ReceivedAt
			}
			ev, skip := p.ParseRecord(rec)
			if skip != "" {
				return nil, []Skip{skip}
			}
			return []models.Event{ev}, nil
		}
	}

	token, ok := p.pickToken(text)
	if !ok {
		return nil, []Skip{SkipNoToken}
	}

	var events []models.Event
	var skips []Skip
	for _, line := range strings.Split(text, "\n") {
		ev, skip := p.ParseLine(line, token, msg.ReceivedAt)
		switch skip {
		case "":
			events = append(events, ev)
		case SkipNoCategory:
			// narrative lines without a kind tag are normal
		default:
			skips = append(skips, skip)
		}
	}
	if len(events) == 0 && len(skips) == 0 {
		skips = append(skips, SkipNoCategory)
	}
	return events, skips
}

// ParseLine parses a single alert line already attributed to token.
func (p *Parser) ParseLine(line, token string, receivedAt time.Time) (models.Event, Skip) {
	km := reKind.FindStringSubmatch(line)
	if km == nil {
		return models.Event{}, SkipNoCategory
	}
	um := reUSD.FindStringSubmatch(line)
	if um == nil {
		return models.Event{}, SkipNoAmount
	}
	amount, ok := parseAmount(um[2], um[3])
	if !ok || amount <= 0 {
		return models.Event{}, SkipNoAmount
	}

	upper := strings.ToUpper(line)
	category := classify(strings.ToUpper(km[1]), upper)
	if amount < p.rules.MinTxUSD(token, category.Group()) {
		return models.Event{}, SkipBelowThreshold
	}

	signed := amount
	if um[1] == "-" {
		signed = -amount
	}
	var exchange string
	if em := reExchange.FindStringSubmatch(line); em != nil {
		exchange = strings.TrimSpace(em[1])
	}

	return models.Event{
		Token:     token,
		Category:  category,
		SignedUSD: signed,
		RawUSD:    amount,
		Timestamp: lineTime(line, receivedAt),
		Exchange:  exchange,
		Raw:       strings.TrimSpace(line),
	}, ""
}

// ParseRecord validates a pre-structured flow.
func (p *Parser) ParseRecord(rec Record) (models.Event, Skip) {
	token, ok := p.resolveToken(strings.ToUpper(strings.TrimSpace(rec.Token)))
	if !ok {
		return models.Event{}, SkipNoToken
	}
	category, ok := models.ParseCategory(rec.Category)
	if !ok {
		return models.Event{}, SkipNoCategory
	}
	raw := rec.USD
	if raw < 0 {
		raw = -raw
	}
	if raw == 0 || rec.Timestamp.IsZero() {
		return models.Event{}, SkipNoAmount
	}
	if raw < p.rules.MinTxUSD(token, category.Group()) {
		return models.Event{}, SkipBelowThreshold
	}
	return models.Event{
		Token:     token,
		Category:  category,
		SignedUSD: rec.USD,
		RawUSD:    raw,
		Timestamp: rec.Timestamp.UTC(),
		Exchange:  rec.Exchange,
	}, ""
}

// pickToken finds the first configured token named in the text, then falls back to
// stablecoin folding.
func (p *Parser) pickToken(text string) (string, bool) {
	words := reWord.FindAllString(strings.ToUpper(text), -1)
	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[w] = true
	}
	for _, t := range p.tokens {
		if present[t] {
			return t, true
		}
	}
	for _, w := range words {
		if tok, ok := p.resolveToken(w); ok {
			return tok, true
		}
	}
	return "", false
}

func (p *Parser) resolveToken(sym string) (string, bool) {
	for _, t := range p.tokens {
		if t == sym {
			return t, true
		}
	}
	if p.foldOK && (p.stables[sym] || sym == models.StablesToken) {
		return models.StablesToken, true
	}
	return "", false
}

func classify(kind, upperLine string) models.Category {
	switch kind {
	case "CEX":
		if strings.Contains(upperLine, "WITHDRAW") || strings.Contains(upperLine, "OUTFLOW FROM CEX") {
			return models.CategoryCEXOut
		}
		return models.CategoryCEXIn
	case "VC":
		if strings.Contains(upperLine, "OUTFLOW") && !strings.Contains(upperLine, "INFLOW") {
			return models.CategoryVCOut
		}
		return models.CategoryVCIn
	case "DEX":
		return models.CategoryDEX
	default:
		return models.CategoryMercado
	}
}

func parseAmount(digits, suffix string) (float64, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(digits, ",", ""))
	if err != nil {
		return 0, false
	}
	if m, ok := suffixes[strings.ToUpper(suffix)]; ok {
		d = d.Mul(m)
	}
	return d.InexactFloat64(), true
}

// lineTime applies an HH:MM:SS found in the line to the receive date. A clock time
// more than a minute after receipt belongs to the previous day.
func lineTime(line string, receivedAt time.Time) time.Time {
	base := receivedAt.UTC()
	m := reClock.FindStringSubmatch(line)
	if m == nil {
		return base
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	t := time.Date(base.Year(), base.Month(), base.Day(), h, mi, s, 0, time.UTC)
	if t.Sub(base) > time.Minute {
		t = t.AddDate(0, 0, -1)
	}
	return t
}
