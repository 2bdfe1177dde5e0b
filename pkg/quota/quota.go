// Package quota enforces per-team daily spend budgets for model API usage.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/elfops/aegis/pkg/errors"
	"github.com/elfops/aegis/pkg/logging"
	"github.com/elfops/aegis/pkg/resources"
)

// ModelCost is the price per 1K tokens for a model
type ModelCost struct {
	Input  float64
	Output float64
}

// DefaultModelCosts covers the models teams commonly run against
var DefaultModelCosts = map[string]ModelCost{
	"gpt-4":           {Input: 0.03, Output: 0.06},
	"gpt-4-turbo":     {Input: 0.01, Output: 0.03},
	"gpt-3.5-turbo":   {Input: 0.0005, Output: 0.0015},
	"claude-3-opus":   {Input: 0.015, Output: 0.075},
	"claude-3-sonnet": {Input: 0.003, Output: 0.015},
	"claude-3-haiku":  {Input: 0.00025, Output: 0.00125},
}

const (
	// DefaultDailyBudget is the per-team spend ceiling in USD
	DefaultDailyBudget = 10.0
	// WarningThreshold is the budget fraction at which usage is flagged
	WarningThreshold = 0.8
)

// Usage is a team's spend for one day
type Usage struct {
	Team      string  `json:"team"`
	Day       string  `json:"day"`
	Spent     float64 `json:"spent"`
	Budget    float64 `json:"budget"`
	Requests  int     `json:"requests"`
	Remaining float64 `json:"remaining"`
}

type teamState struct {
	day      string
	spent    float64
	requests int
	budget   float64
}

// Manager tracks per-team daily spend in memory. Days roll over on the
// first request after midnight UTC.
type Manager struct {
	mutex  sync.Mutex
	teams  map[string]*teamState
	costs  map[string]ModelCost
	budget float64

	logger *logging.Logger
	now    func() time.Time
}

// NewManager creates a quota manager with the default budget and model costs
func NewManager() *Manager {
	return &Manager{
		teams:  make(map[string]*teamState),
		costs:  DefaultModelCosts,
		budget: DefaultDailyBudget,
		logger: logging.GetLogger(),
		now:    time.Now,
	}
}

func (m *Manager) day() string {
	return m.now().UTC().Format("2006-01-02")
}

func (m *Manager) stateLocked(team string) *teamState {
	day := m.day()
	st, ok := m.teams[team]
	if !ok || st.day != day {
		budget := m.budget
		if ok {
			budget = st.budget
		}
		st = &teamState{day: day, budget: budget}
		m.teams[team] = st
	}
	return st
}

// Cost computes the spend for a single call. Unknown models price at the
// most expensive known rate so a typo never bypasses the budget.
func (m *Manager) Cost(model string, inputTokens, outputTokens int) float64 {
	cost, ok := m.costs[model]
	if !ok {
		cost = ModelCost{Input: 0.03, Output: 0.075}
	}
	return float64(inputTokens)/1000*cost.Input + float64(outputTokens)/1000*cost.Output
}

// CanMakeRequest reports whether the team has budget left for an
// estimated call
func (m *Manager) CanMakeRequest(team, model string, estimatedTokens int) bool {
	estimated := m.Cost(model, estimatedTokens, estimatedTokens)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	st := m.stateLocked(team)
	return st.spent+estimated <= st.budget
}

// TrackUsage records a completed call's spend and returns an error once
// the team is over budget
func (m *Manager) TrackUsage(ctx context.Context, team, model string, inputTokens, outputTokens int) error {
	cost := m.Cost(model, inputTokens, outputTokens)

	m.mutex.Lock()
	st := m.stateLocked(team)
	st.spent += cost
	st.requests++
	spent, budget := st.spent, st.budget
	m.mutex.Unlock()

	if spent >= budget*WarningThreshold && spent < budget {
		m.logger.Warn("Team approaching daily budget",
			"team", team,
			"spent", fmt.Sprintf("%.4f", spent),
			"budget", fmt.Sprintf("%.2f", budget))
	}
	if spent > budget {
		return apperrors.NewQuotaError(team, fmt.Sprintf("daily budget of $%.2f exceeded ($%.4f spent)", budget, spent))
	}
	return nil
}

// UsedToday returns the team's spend snapshot for the current day
func (m *Manager) UsedToday(team string) Usage {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	st := m.stateLocked(team)
	return Usage{
		Team:      team,
		Day:       st.day,
		Spent:     st.spent,
		Budget:    st.budget,
		Requests:  st.requests,
		Remaining: st.budget - st.spent,
	}
}

// BudgetFor returns the team's daily budget
func (m *Manager) BudgetFor(team string) float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stateLocked(team).budget
}

// SetBudget overrides the daily budget for one team
func (m *Manager) SetBudget(team string, budget float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stateLocked(team).budget = budget
}

// CheckFunc adapts a team's quota into a resource availability check, so
// the resource manager can gate calls on remaining budget
func (m *Manager) CheckFunc(team string) resources.CheckFunc {
	return func(ctx context.Context) (resources.Status, string, error) {
		usage := m.UsedToday(team)
		switch {
		case usage.Spent > usage.Budget:
			return resources.StatusExhausted,
				fmt.Sprintf("daily budget of $%.2f exhausted", usage.Budget), nil
		case usage.Spent >= usage.Budget*WarningThreshold:
			return resources.StatusDegraded,
				fmt.Sprintf("$%.4f of $%.2f spent", usage.Spent, usage.Budget), nil
		default:
			return resources.StatusAvailable,
				fmt.Sprintf("$%.4f of $%.2f spent", usage.Spent, usage.Budget), nil
		}
	}
}
