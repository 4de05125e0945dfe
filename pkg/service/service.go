// Package service is the request front door: it normalizes input,
// runs admission, guards the user's processing flag around the fetch
// and maps failures to user-facing messages for the delivery layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ipverse/pkg/admission"
	"ipverse/pkg/fetch"
	"ipverse/pkg/model"
	"ipverse/pkg/userstore"
)

// Result is what the delivery collaborator receives for an allowed,
// successful request.
type Result struct {
	Report   *model.IPRangeReport
	Artifact string // rendered text report
	Decision admission.Decision
}

// Service wires admission control in front of the fetch coordinator
type Service struct {
	users       *userstore.Store
	admission   *admission.Controller
	coordinator *fetch.Coordinator
}

// New creates a new service
func New(users *userstore.Store, ctrl *admission.Controller, coord *fetch.Coordinator) *Service {
	return &Service{
		users:       users,
		admission:   ctrl,
		coordinator: coord,
	}
}

// HandleRequest runs one user request end to end: validate the country
// code, evaluate admission (which marks the user in-flight), resolve
// the report and clear the marker on every exit path. Denials and fetch
// failures are returned as the taxonomy errors; no partial success
// escapes.
func (s *Service) HandleRequest(ctx context.Context, userID, rawCountry string, isAdmin bool) (*Result, error) {
	country, err := model.NormalizeCountry(rawCountry)
	if err != nil {
		return nil, err
	}

	if _, err := s.users.Register(userID, ""); err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	decision, err := s.admission.Admit(userID, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("admission for user %s: %w", userID, err)
	}
	if !decision.Allowed {
		log.Printf("INFO: Denied %s for user %s: %v", country, userID, decision.Reason)
		return &Result{Decision: decision}, decision.Reason
	}

	// Admit set the in-flight marker atomically with the guard read.
	defer func() {
		if err := s.users.SetProcessing(userID, false); err != nil {
			log.Printf("ERROR: Failed to clear in-flight marker for user %s: %v", userID, err)
		}
	}()

	rep, err := s.coordinator.Resolve(ctx, country)
	if err != nil {
		return &Result{Decision: decision}, err
	}

	return &Result{
		Report:   rep,
		Artifact: rep.Render(),
		Decision: decision,
	}, nil
}

// UserMessage translates a request outcome into the short message shown
// to the user. Internal fetch errors are never leaked.
func UserMessage(err error, d admission.Decision) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrInvalidCountry):
		return "Invalid country code. Enter a valid 2-letter code (e.g. US, DE)."
	case errors.Is(err, model.ErrAlreadyProcessing):
		return "Your previous request is still being processed. Please wait for it to finish."
	case errors.Is(err, model.ErrTooFast):
		return fmt.Sprintf("Slow down! Please wait %d seconds before trying again.", waitSeconds(d.RetryAfter))
	case errors.Is(err, model.ErrRateLimited):
		return fmt.Sprintf("Request limit exceeded. Please try again in %d seconds.", waitSeconds(d.RetryAfter))
	case errors.Is(err, model.ErrQuotaExhausted):
		return fmt.Sprintf("Daily free requests used and no coins left (balance: %d). Invite friends to earn more.", d.Coins)
	default:
		return "Something went wrong fetching the IP ranges. Please try again later."
	}
}

func waitSeconds(d time.Duration) int {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
