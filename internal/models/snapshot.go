package models

import "time"

// WindowStat is the persisted aggregate of one token in one window.
type WindowStat struct {
	Conf   float64 `json:"conf"`
	Events int     `json:"events"`
	USD    float64 `json:"usd"`
}

// Agg maps token -> window label -> aggregate.
type Agg map[string]map[string]WindowStat

// Contribution describes one live event inside a window and its share of the score.
type Contribution struct {
	TS           string  `json:"ts"`
	Kind         string  `json:"kind"`
	USD          float64 `json:"usd"`
	USDAmount    float64 `json:"usd_amount"`
	Weight       float64 `json:"weight"`
	Pressure     float64 `json:"pressure"`
	PressureNorm float64 `json:"pressure_norm"`
	PctNorm      float64 `json:"pct_norm"`
	DeltaConf    float64 `json:"delta_conf"`
	ConfAfter    float64 `json:"conf_after"`
	Exchange     string  `json:"exchange"`
}

// Breakdown is the per-event view of one token window.
type Breakdown struct {
	Conf       float64        `json:"conf"`
	Events     int            `json:"events"`
	USD        float64        `json:"usd"`
	EventsList []Contribution `json:"events_list"`
}

// Snapshot is the immutable cross-token, cross-window view at one instant.
type Snapshot struct {
	At            time.Time
	TZOffsetHours int
	Tokens        []string
	Windows       []string
	Agg           Agg
	Breakdowns    map[string]map[string]Breakdown
	Text          string
}

// MaxDeviation returns the largest |conf-50| across the snapshot.
func (s *Snapshot) MaxDeviation() float64 {
	var max float64
	for _, windows := range s.Agg {
		for _, stat := range windows {
			d := stat.Conf - 50
			if d < 0 {
				d = -d
			}
			if d > max {
				max = d
			}
		}
	}
	return max
}

// HistoryRecord is one compact line of the history log.
type HistoryRecord struct {
	TSUTC string `json:"ts_utc"`
	Agg   Agg    `json:"agg"`
}
