// Package admission gates user requests before they reach the fetch
// coordinator: concurrency guard, spam debounce, sliding-window rate
// limit and the daily quota / coin balance check, evaluated in that
// order with short-circuit on the first denial.
package admission

import (
	"time"

	"ipverse/pkg/model"
)

// Defaults, matching the deployed limits.
const (
	DefaultSpamThreshold = 2 * time.Second
	DefaultWindow        = 60 * time.Second
	DefaultWindowLimit   = 10
	DefaultDailyFree     = 5
	DefaultCoinCost      = 1
)

// UserStore is the per-user state the controller reads and mutates.
// Update must apply fn atomically with respect to other Updates.
type UserStore interface {
	Update(id string, fn func(*model.UserProfile) error) (*model.UserProfile, error)
}

// Config contains the gate limits
type Config struct {
	SpamThreshold time.Duration // Minimum gap between non-admin requests
	Window        time.Duration // Sliding-window period
	WindowLimit   int           // Max requests inside the window
	DailyFree     int           // Free requests per calendar day
	CoinCost      int           // Coins per request beyond the free quota
}

// DefaultConfig returns the standard gate limits
func DefaultConfig() Config {
	return Config{
		SpamThreshold: DefaultSpamThreshold,
		Window:        DefaultWindow,
		WindowLimit:   DefaultWindowLimit,
		DailyFree:     DefaultDailyFree,
		CoinCost:      DefaultCoinCost,
	}
}

// Decision is the outcome of one admission evaluation
type Decision struct {
	Allowed    bool
	Reason     model.Error   // set when denied
	RetryAfter time.Duration // wait hint for TooFast / RateLimited
	FreeUsed   int           // free requests used today, after this one
	Coins      int           // balance after this evaluation
	CoinSpent  bool          // this request consumed a coin
}

// Controller evaluates the admission gates against the user store
type Controller struct {
	users UserStore
	cfg   Config
	clock func() time.Time
}

// NewController creates a new admission controller
func NewController(users UserStore, cfg Config) *Controller {
	if cfg.SpamThreshold <= 0 {
		cfg.SpamThreshold = DefaultSpamThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = DefaultWindowLimit
	}
	if cfg.DailyFree <= 0 {
		cfg.DailyFree = DefaultDailyFree
	}
	if cfg.CoinCost <= 0 {
		cfg.CoinCost = DefaultCoinCost
	}
	return &Controller{
		users: users,
		cfg:   cfg,
		clock: time.Now,
	}
}

// Admit evaluates the gates for one request. Admins bypass the debounce,
// window and quota gates but not the concurrency guard. An allowed
// decision sets the user's processing flag in the same transaction as
// the guard read, so two concurrent Admits for one user can never both
// pass; the caller must clear the flag on every exit path.
func (c *Controller) Admit(userID string, isAdmin bool) (Decision, error) {
	var d Decision
	now := c.clock()

	_, err := c.users.Update(userID, func(p *model.UserProfile) error {
		// Concurrency guard applies to everyone, admins included.
		if p.Processing {
			d = Decision{Reason: model.ErrAlreadyProcessing, Coins: p.Coins}
			return nil
		}

		if isAdmin {
			d = Decision{Allowed: true, Coins: p.Coins}
			p.LastRequest = now
			p.Processing = true
			return nil
		}

		// Spam debounce. The attempt itself is recorded so hammering
		// keeps the gate shut.
		if !p.LastRequest.IsZero() {
			if elapsed := now.Sub(p.LastRequest); elapsed < c.cfg.SpamThreshold {
				d = Decision{
					Reason:     model.ErrTooFast,
					RetryAfter: c.cfg.SpamThreshold - elapsed,
					Coins:      p.Coins,
				}
				p.LastRequest = now
				return nil
			}
		}
		p.LastRequest = now

		// Sliding-window rate limit.
		cutoff := now.Add(-c.cfg.Window)
		recent := p.Recent[:0]
		for _, t := range p.Recent {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		p.Recent = recent
		if len(p.Recent) >= c.cfg.WindowLimit {
			d = Decision{
				Reason:     model.ErrRateLimited,
				RetryAfter: p.Recent[0].Add(c.cfg.Window).Sub(now),
				Coins:      p.Coins,
			}
			return nil
		}
		p.Recent = append(p.Recent, now)
		if len(p.Recent) > c.cfg.WindowLimit {
			p.Recent = p.Recent[len(p.Recent)-c.cfg.WindowLimit:]
		}

		// Daily quota, then coins.
		today := model.DateKey(now)
		if p.Daily.Date != today {
			p.Daily = model.DailyQuota{Date: today}
		}
		switch {
		case p.Daily.Count < c.cfg.DailyFree:
			p.Daily.Count++
			d = Decision{Allowed: true, FreeUsed: p.Daily.Count, Coins: p.Coins}
		case p.Coins >= c.cfg.CoinCost:
			p.Coins -= c.cfg.CoinCost
			p.CoinsSpent += c.cfg.CoinCost
			d = Decision{
				Allowed:   true,
				FreeUsed:  p.Daily.Count,
				Coins:     p.Coins,
				CoinSpent: true,
			}
		default:
			d = Decision{Reason: model.ErrQuotaExhausted, FreeUsed: p.Daily.Count, Coins: p.Coins}
		}
		if d.Allowed {
			p.Processing = true
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}
