package billing

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/cache"
	"github.com/ManuelReschke/SubSync/internal/pkg/metrics/counter"
	"gorm.io/gorm"
)

const maxSwapAttempts = 3

// ProviderAPI is the contract the engine requires from the external payment
// provider adapter.
type ProviderAPI interface {
	CreateCustomer(ctx context.Context, userID uint, email string) (*ProviderCustomer, error)
	CreateSetupIntent(ctx context.Context, providerCustomerID string) (*SetupIntent, error)
	CreateSubscription(ctx context.Context, providerCustomerID, planID string) (*ProviderSubscription, error)
}

// Service is the single authority that turns provider events into record
// mutations. Webhook ingress and direct user actions both end up here so
// there is exactly one code path that mutates subscription state.
type Service struct {
	repo       Repository
	ledger     *Ledger
	normalizer *Normalizer
	provider   ProviderAPI
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, ledger *Ledger, normalizer *Normalizer, provider ProviderAPI) *Service {
	return &Service{repo: repo, ledger: ledger, normalizer: normalizer, provider: provider}
}

// NewServiceFromDB creates a billing service from a GORM DB handle with
// env-configured normalizer and provider client.
func NewServiceFromDB(db *gorm.DB) *Service {
	repo := NewRepository(db)
	return NewService(repo, NewLedger(repo, cache.GetClient()), NewNormalizerFromEnv(), NewProviderClientFromEnv())
}

// WebhookResult reports what processing an inbound webhook did.
type WebhookResult struct {
	Outcome   Outcome                    `json:"outcome"`
	EventID   string                     `json:"event_id"`
	EventType EventType                  `json:"event_type"`
	Record    *models.SubscriptionRecord `json:"record,omitempty"`
}

// ProcessWebhook runs the full pipeline: normalize (fail closed), ledger
// check, reconcile, record store write, ledger commit. Benign no-ops
// (duplicate, out-of-order, unsupported, unknown customer) return a result
// with the matching outcome and a nil error so the ingress responds 200 and
// the provider does not redeliver them.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	ev, err := s.normalizer.Normalize(payload, signatureHeader)
	if err != nil {
		return nil, err
	}

	release, acquired := s.ledger.AcquireInFlight(ctx, ev.Provider, ev.EventID)
	if !acquired {
		// A concurrent delivery of the same event is mid-application.
		return s.result(ev, OutcomeDuplicate, nil), nil
	}
	defer release()

	occurredAt := ev.OccurredAt
	created, stored, err := s.ledger.Record(ctx, &models.WebhookEvent{
		Provider:        ev.Provider,
		ProviderEventID: ev.EventID,
		EventType:       ev.ProviderType,
		PayloadJSON:     string(payload),
		OccurredAt:      &occurredAt,
	})
	if err != nil {
		return nil, err
	}
	if !created && stored.Applied() {
		return s.result(ev, OutcomeDuplicate, nil), nil
	}

	if ev.Type == EventUnsupported {
		log.Printf("dropping unsupported provider event %s (%s)", ev.EventID, ev.ProviderType)
		if err := s.ledger.RecordApplied(ctx, stored.ID, 0); err != nil {
			return nil, err
		}
		return s.result(ev, OutcomeUnsupported, nil), nil
	}

	rec, err := s.resolveRecord(ev)
	if err != nil {
		if errors.Is(err, ErrUnknownCustomer) {
			log.Printf("dropping event %s: no record for provider customer %q", ev.EventID, ev.ProviderCustomerID)
			if derr := s.ledger.RecordDropped(ctx, stored.ID, 0, "unknown provider customer"); derr != nil {
				return nil, derr
			}
			return s.result(ev, OutcomeUnknownCustomer, nil), nil
		}
		return nil, err
	}

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		decision := Decide(*rec, *ev)
		if decision.Outcome != OutcomeApplied {
			log.Printf("event %s for user %d is a no-op (%s): %s", ev.EventID, rec.UserID, decision.Outcome, decision.Reason)
			if err := s.ledger.RecordDropped(ctx, stored.ID, rec.UserID, decision.Reason); err != nil {
				return nil, err
			}
			return s.result(ev, decision.Outcome, nil), nil
		}

		swapped, err := s.repo.SwapRecord(&decision.Record, rec.Version)
		if err != nil {
			return nil, err
		}
		if swapped {
			if err := s.ledger.RecordApplied(ctx, stored.ID, rec.UserID); err != nil {
				return nil, err
			}
			return s.result(ev, OutcomeApplied, &decision.Record), nil
		}

		// Version moved under us; reload and retry against the fresh state.
		rec, err = s.repo.GetRecordByUserID(rec.UserID)
		if err != nil {
			return nil, err
		}
	}

	return nil, ErrConcurrentModification
}

// DryRun reports the record mutation the given event would produce without
// writing anything. It shares the reconciler's decision step with the real
// pipeline and never touches the ledger or the store.
func (s *Service) DryRun(ctx context.Context, userID uint, ev SubscriptionEvent) (*Decision, error) {
	_ = ctx
	rec, err := s.repo.GetRecordByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownCustomer
		}
		return nil, err
	}
	decision := Decide(*rec, ev)
	return &decision, nil
}

// RegisterCustomer creates the provider customer for a user and initializes
// the subscription record (status "none"). Idempotent: an existing record is
// returned unchanged without another provider call.
func (s *Service) RegisterCustomer(ctx context.Context, userID uint, email string) (*models.SubscriptionRecord, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	if rec, err := s.repo.GetRecordByUserID(userID); err == nil {
		return rec, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	customer, err := s.provider.CreateCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	rec := &models.SubscriptionRecord{
		UserID:             userID,
		Provider:           s.normalizer.Provider,
		Status:             models.SubscriptionStatusNone,
		ProviderCustomerID: customer.ID,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return s.repo.CreateRecordIfNotExists(rec)
}

// CreateSetupIntent issues a payment-method setup flow for a provider
// customer. Provider failures surface typed to the caller; the engine never
// retries them silently.
func (s *Service) CreateSetupIntent(ctx context.Context, providerCustomerID string) (*SetupIntent, error) {
	if strings.TrimSpace(providerCustomerID) == "" {
		return nil, ErrInvalidCustomer
	}
	return s.provider.CreateSetupIntent(ctx, providerCustomerID)
}

// CreateSubscription creates the external subscription entity. The record is
// not touched here: the provider's confirming webhook event is the single
// mutation path, and it may arrive before the caller sees this response.
func (s *Service) CreateSubscription(ctx context.Context, providerCustomerID, planID string) (*ProviderSubscription, error) {
	return s.provider.CreateSubscription(ctx, providerCustomerID, planID)
}

// GetRecord loads the current subscription record for a user.
func (s *Service) GetRecord(ctx context.Context, userID uint) (*models.SubscriptionRecord, error) {
	_ = ctx
	return s.repo.GetRecordByUserID(userID)
}

func (s *Service) resolveRecord(ev *SubscriptionEvent) (*models.SubscriptionRecord, error) {
	if ev.ProviderCustomerID == "" {
		return nil, ErrUnknownCustomer
	}
	rec, err := s.repo.GetRecordByProviderCustomerID(ev.Provider, ev.ProviderCustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownCustomer
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) result(ev *SubscriptionEvent, outcome Outcome, rec *models.SubscriptionRecord) *WebhookResult {
	counter.AddWebhookOutcome(string(ev.Type), string(outcome))
	return &WebhookResult{
		Outcome:   outcome,
		EventID:   ev.EventID,
		EventType: ev.Type,
		Record:    rec,
	}
}
