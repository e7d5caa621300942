// Package flighting gates features per user alias while a rollout is in
// progress.
package flighting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"approvals/api/internal/store"

	"github.com/rs/zerolog"
)

// Feature rollout states.
const (
	StatusDisabled      = "Disabled"
	StatusInFlighting   = "InFlighting"
	StatusEnabledForAll = "EnabledForAll"
)

// Subscription actions.
const (
	ActionSubscribe   = "Subscribe"
	ActionUnsubscribe = "Unsubscribe"
)

// ErrUnknownAction is wrapped for unrecognized subscription actions.
var ErrUnknownAction = fmt.Errorf("unknown subscription action")

// ParseAction maps a wire string onto the closed action set.
func ParseAction(raw string) (string, error) {
	switch raw {
	case ActionSubscribe, ActionUnsubscribe:
		return raw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// SubscriptionDetail is one subscribe/unsubscribe request covering several
// aliases at once.
type SubscriptionDetail struct {
	FeatureID int      `json:"featureId"`
	Action    string   `json:"action"`
	Aliases   []string `json:"aliases"`
}

// Store is the subset of storage the service needs.
type Store interface {
	GetFlightingFeature(ctx context.Context, featureID int) (*store.FlightingFeature, error)
	GetFlightingRow(ctx context.Context, alias string, featureID int) (*store.FlightingRow, error)
	InsertFlightingRow(ctx context.Context, row store.FlightingRow) error
	DeleteFlightingRow(ctx context.Context, alias string, featureID int) error
}

// Service evaluates and manages feature subscriptions.
type Service struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(s Store, log zerolog.Logger) *Service {
	return &Service{store: s, log: log, now: time.Now}
}

// IsEnabledForUser decides whether a feature is live for one alias.
// Disabled is always off, EnabledForAll always on, and InFlighting is on only
// when the alias holds a subscription whose start date has passed.
func (s *Service) IsEnabledForUser(ctx context.Context, alias string, featureID int) (bool, error) {
	feature, err := s.store.GetFlightingFeature(ctx, featureID)
	if err != nil {
		return false, fmt.Errorf("load feature %d: %w", featureID, err)
	}
	if feature == nil {
		return false, nil
	}

	switch feature.Status {
	case StatusDisabled:
		return false, nil
	case StatusEnabledForAll:
		return true, nil
	case StatusInFlighting:
		row, err := s.store.GetFlightingRow(ctx, alias, featureID)
		if err != nil {
			return false, fmt.Errorf("load subscription for %s: %w", alias, err)
		}
		return row != nil && !row.StartAt.After(s.now()), nil
	default:
		return false, fmt.Errorf("feature %d has unknown status %q", featureID, feature.Status)
	}
}

// ManageSubscription applies one action to every alias and reports a line per
// alias. Already-satisfied requests are no-ops reported as such.
func (s *Service) ManageSubscription(ctx context.Context, detail SubscriptionDetail) ([]string, error) {
	action, err := ParseAction(detail.Action)
	if err != nil {
		return nil, err
	}
	feature, err := s.store.GetFlightingFeature(ctx, detail.FeatureID)
	if err != nil {
		return nil, fmt.Errorf("load feature %d: %w", detail.FeatureID, err)
	}
	if feature == nil {
		return nil, fmt.Errorf("feature %d not found", detail.FeatureID)
	}

	messages := make([]string, 0, len(detail.Aliases))
	for _, raw := range detail.Aliases {
		alias := strings.TrimSpace(raw)
		if alias == "" {
			messages = append(messages, fmt.Sprintf("%q: invalid alias", raw))
			continue
		}
		messages = append(messages, s.applyAction(ctx, alias, detail.FeatureID, action))
	}
	return messages, nil
}

func (s *Service) applyAction(ctx context.Context, alias string, featureID int, action string) string {
	row, err := s.store.GetFlightingRow(ctx, alias, featureID)
	if err != nil {
		s.log.Warn().Err(err).Str("alias", alias).Int("feature_id", featureID).Msg("flighting: subscription lookup failed")
		return fmt.Sprintf("%s: failed", alias)
	}

	switch action {
	case ActionSubscribe:
		if row != nil {
			return fmt.Sprintf("%s: already subscribed", alias)
		}
		err = s.store.InsertFlightingRow(ctx, store.FlightingRow{
			Alias:     alias,
			FeatureID: featureID,
			StartAt:   s.now(),
		})
		if err != nil {
			s.log.Warn().Err(err).Str("alias", alias).Msg("flighting: subscribe failed")
			return fmt.Sprintf("%s: failed", alias)
		}
		return fmt.Sprintf("%s: subscribed", alias)
	default:
		if row == nil {
			return fmt.Sprintf("%s: already unsubscribed", alias)
		}
		if err := s.store.DeleteFlightingRow(ctx, alias, featureID); err != nil {
			s.log.Warn().Err(err).Str("alias", alias).Msg("flighting: unsubscribe failed")
			return fmt.Sprintf("%s: failed", alias)
		}
		return fmt.Sprintf("%s: unsubscribed", alias)
	}
}
