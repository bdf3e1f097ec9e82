// Package models defines the core domain entities: raw feed messages, flow events, and snapshots.
package models

import (
	"errors"
	"strings"
	"time"
)

// Category classifies a flow event by venue and direction.
type Category string

const (
	CategoryCEXIn   Category = "CEX_IN"
	CategoryCEXOut  Category = "CEX_OUT"
	CategoryDEX     Category = "DEX"
	CategoryVCIn    Category = "VC_IN"
	CategoryVCOut   Category = "VC_OUT"
	CategoryMercado Category = "MERCADO"
)

// Category groups share one minimum-size threshold and one baseline.
const (
	GroupCEX     = "CEX"
	GroupDEX     = "DEX"
	GroupVC      = "VC"
	GroupMercado = "MERCADO"
)

// StablesToken is the catch-all bucket for stablecoin flows.
const StablesToken = "STABLES"

// Categories lists every category in canonical order.
var Categories = []Category{
	CategoryCEXIn, CategoryCEXOut, CategoryDEX, CategoryVCIn, CategoryVCOut, CategoryMercado,
}

// Group returns the threshold/baseline group of the category.
func (c Category) Group() string {
	switch c {
	case CategoryCEXIn, CategoryCEXOut:
		return GroupCEX
	case CategoryVCIn, CategoryVCOut:
		return GroupVC
	case CategoryDEX:
		return GroupDEX
	default:
		return GroupMercado
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts a case-insensitive category name.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

// RawMessage is one text message received from the upstream feed.
type RawMessage struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"ts"`
	Text       string    `json:"text"`
}

// Validate checks raw message field constraints.
func (m *RawMessage) Validate() error {
	if m.ID == "" {
		return errors.New("message ID must not be empty")
	}
	if m.ReceivedAt.IsZero() {
		return errors.New("message receive time must be set")
	}
	if strings.TrimSpace(m.Text) == "" {
		return errors.New("message text must not be empty")
	}
	return nil
}

// Event is one classified flow parsed from a raw message. Events are never mutated
// after parsing.
type Event struct {
	Token     string
	Category  Category
	SignedUSD float64 // sign encodes direction: positive = accumulation
	RawUSD    float64 // absolute magnitude before weighting
	Timestamp time.Time
	Exchange  string
	Raw       string
}

// Validate checks event field constraints.
func (e *Event) Validate() error {
	if e.Token == "" {
		return errors.New("event token must not be empty")
	}
	if !e.Category.Valid() {
		return errors.New("event category is unknown")
	}
	if e.RawUSD < 0 {
		return errors.New("event raw usd must not be negative")
	}
	if e.Timestamp.IsZero() {
		return errors.New("event timestamp must be set")
	}
	return nil
}
