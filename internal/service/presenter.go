package service

import (
	"log/slog"
	"time"
)

// Presenter renders session lifecycle notices to the principal. Calls are
// made from the provider's event goroutine, one at a time, in event order.
type Presenter interface {
	// Warn shows the expiry warning with the time left.
	Warn(remaining time.Duration)
	// Countdown updates the visible time left while the warning is shown.
	Countdown(remaining time.Duration)
	// Resume hides the warning after activity or an explicit extend.
	Resume()
	// Expire shows the lock screen.
	Expire()
}

// LogPresenter writes lifecycle notices to slog.
type LogPresenter struct {
	logger *slog.Logger
	// Every controls how often countdown updates are logged. Zero logs
	// every update.
	Every time.Duration
}

// NewLogPresenter creates a LogPresenter that logs one countdown line per
// ten seconds.
func NewLogPresenter(logger *slog.Logger) *LogPresenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPresenter{logger: logger, Every: 10 * time.Second}
}

// Warn implements Presenter.
func (p *LogPresenter) Warn(remaining time.Duration) {
	p.logger.Info("session expiring soon", "remaining", remaining.Round(time.Second))
}

// Countdown implements Presenter.
func (p *LogPresenter) Countdown(remaining time.Duration) {
	if p.Every > 0 && remaining.Truncate(time.Second)%p.Every != 0 {
		return
	}
	p.logger.Debug("session countdown", "remaining", remaining.Round(time.Second))
}

// Resume implements Presenter.
func (p *LogPresenter) Resume() {
	p.logger.Info("session resumed")
}

// Expire implements Presenter.
func (p *LogPresenter) Expire() {
	p.logger.Warn("session locked; sign in again to continue")
}

var _ Presenter = (*LogPresenter)(nil)
