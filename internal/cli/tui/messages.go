package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/syntor/relay/pkg/admin"
)

// Source fetches the dashboard data and resets breakers. *cli.Client
// implements it.
type Source interface {
	Agents(ctx context.Context) (admin.AgentsResponse, error)
	ResetBreaker(ctx context.Context, id string) (admin.ResetResponse, error)
	ResetAllBreakers(ctx context.Context) (admin.ResetResponse, error)
}

// StatsMsg carries a fresh agents snapshot
type StatsMsg struct {
	Stats admin.AgentsResponse
	At    time.Time
}

// ErrorMsg reports a failed poll
type ErrorMsg struct {
	Err error
}

// TickMsg triggers the next poll
type TickMsg struct{}

// ResetMsg reports the result of a breaker reset
type ResetMsg struct {
	Reset []string
	Err   error
}

// DoTick schedules the next poll after interval
func DoTick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return TickMsg{}
	})
}

// Fetch polls the source once
func Fetch(src Source, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		stats, err := src.Agents(ctx)
		if err != nil {
			return ErrorMsg{Err: err}
		}
		return StatsMsg{Stats: stats, At: time.Now()}
	}
}

// Reset resets one breaker, or every breaker when id is empty
func Reset(src Source, id string, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var (
			resp admin.ResetResponse
			err  error
		)
		if id == "" {
			resp, err = src.ResetAllBreakers(ctx)
		} else {
			resp, err = src.ResetBreaker(ctx, id)
		}
		return ResetMsg{Reset: resp.Reset, Err: err}
	}
}
