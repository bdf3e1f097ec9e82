package monitor

import (
	"strings"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/models"
)

// Notifier pushes reports and cycle health to the operator channel.
type Notifier interface {
	SendReport(title, body string) error
	SendError(err error) error
	SendRecovery(failureCount int) error
}

// Report titles.
const (
	ReportStartup  = "Diagnostic (STARTUP)"
	ReportLive     = "Diagnostic (LIVE)"
	ReportBacktest = "Diagnostic (BACKTEST)"
)

// ReportConfig gates and shapes channel reports.
type ReportConfig struct {
	Deviation    float64 // report when any |conf-50| reaches this
	FullText     bool    // send the whole diagnostic instead of a summary
	SummaryLines int
}

// ReportBody returns the report text for snap and whether it passes the gate.
func ReportBody(snap *models.Snapshot, cfg ReportConfig) (string, bool) {
	if snap == nil || snap.MaxDeviation() < cfg.Deviation {
		return "", false
	}
	if cfg.FullText {
		return snap.Text, true
	}
	n := cfg.SummaryLines
	if n <= 0 {
		n = 5
	}
	lines := strings.Split(snap.Text, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n"), true
}

// report sends snap under title when it passes the gate.
func report(n Notifier, cfg ReportConfig, title string, snap *models.Snapshot) {
	if n == nil {
		return
	}
	body, ok := ReportBody(snap, cfg)
	if !ok {
		logger.Debug("Max deviation %.1f below report threshold %.1f", snap.MaxDeviation(), cfg.Deviation)
		return
	}
	if err := n.SendReport(title, body); err != nil {
		logger.Error("Failed to send %s report: %v", title, err)
		return
	}
	logger.Info("Sent %s report (max deviation %.1f)", title, snap.MaxDeviation())
}

// failureTracker notifies the operator on the first failure of a consecutive run
// and once more when a later cycle succeeds.
type failureTracker struct {
	notifier    Notifier
	consecutive int
}

func (f *failureTracker) handle(err error) {
	if err != nil {
		f.consecutive++
		logger.Error("Snapshot cycle failed: %v", err)
		if f.consecutive == 1 && f.notifier != nil {
			if sendErr := f.notifier.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if f.consecutive > 0 && f.notifier != nil {
		if sendErr := f.notifier.SendRecovery(f.consecutive); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	f.consecutive = 0
}
