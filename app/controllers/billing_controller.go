package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
	"github.com/ManuelReschke/SubSync/internal/pkg/database"
	"github.com/ManuelReschke/SubSync/internal/pkg/metrics/counter"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const webhookProcessingTimeout = 15 * time.Second

// HandleProviderWebhook is the webhook ingress. It responds 200 for
// successful processing and for every benign no-op (duplicate, out-of-order,
// unsupported, unknown customer), 401 on signature failure, and 5xx only on
// transient internal failure so the provider retries exactly the cases that
// should be retried.
func HandleProviderWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := firstHeaderValue(c, "Stripe-Signature", "X-Webhook-Signature")

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), webhookProcessingTimeout)
	defer cancel()

	result, err := svc.ProcessWebhook(ctx, rawBody, signature)
	if err != nil {
		return webhookErrorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":       true,
		"outcome":  result.Outcome,
		"event_id": result.EventID,
	})
}

type registerCustomerRequest struct {
	UserID uint   `json:"user_id" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
}

// HandleRegisterCustomer creates the provider customer for a user and
// initializes its subscription record with status "none".
func HandleRegisterCustomer(c *fiber.Ctx) error {
	var req registerCustomerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Request body is not valid JSON"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rec, err := svc.RegisterCustomer(ctx, req.UserID, req.Email)
	if err != nil {
		return providerErrorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

type setupIntentRequest struct {
	CustomerID string `json:"customer_id"`
}

// HandleCreateSetupIntent issues a payment-method setup flow token.
func HandleCreateSetupIntent(c *fiber.Ctx) error {
	var req setupIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Request body is not valid JSON"})
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_customer_id", "message": "customer_id is required"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	intent, err := svc.CreateSetupIntent(ctx, req.CustomerID)
	if err != nil {
		return providerErrorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"client_secret": intent.ClientSecret})
}

type createSubscriptionRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	PlanID     string `json:"plan_id" validate:"required"`
}

// HandleCreateSubscription creates the external subscription entity. The
// local record is not mutated here; the provider's confirming webhook is the
// single mutation path, so the response is only a descriptor.
func HandleCreateSubscription(c *fiber.Ctx) error {
	var req createSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Request body is not valid JSON"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sub, err := svc.CreateSubscription(ctx, req.CustomerID, req.PlanID)
	if err != nil {
		return providerErrorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(sub)
}

// HandleGetSubscription returns the current record for a user, for support
// tooling and client display.
func HandleGetSubscription(c *fiber.Ctx) error {
	userID, err := parseUserIDParam(c.Params("user_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	rec, err := svc.GetRecord(c.Context(), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "record_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "record_lookup_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

type dryRunRequest struct {
	UserID uint                      `json:"user_id" validate:"required"`
	Event  billing.SubscriptionEvent `json:"event"`
}

// HandleDryRun reports the record mutation an event would produce without
// applying it. Exercises the reconciler's pure decision logic; never touches
// the ledger or the store.
func HandleDryRun(c *fiber.Ctx) error {
	var req dryRunRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Request body is not valid JSON"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}
	if req.Event.OccurredAt.IsZero() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "event.occurred_at is required"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	decision, err := svc.DryRun(c.Context(), req.UserID, req.Event)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownCustomer) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "record_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "dry_run_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(decision)
}

// HandleWebhookCounters exposes the accumulated webhook outcome counters.
func HandleWebhookCounters(c *fiber.Ctx) error {
	totals, err := counter.WebhookOutcomeTotals()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "counters_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"counters": totals})
}

// webhookErrorResponse maps webhook pipeline failures onto the provider retry
// contract: 401/400 are terminal for the sender, 5xx triggers redelivery.
func webhookErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrAuthenticationFailure):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	case errors.Is(err, billing.ErrInvalidPayload):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	case errors.Is(err, billing.ErrConcurrentModification):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "concurrent_modification"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}
}

func providerErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrInvalidCustomer):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_customer"})
	case errors.Is(err, billing.ErrRateLimited):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
	case errors.Is(err, billing.ErrProviderUnavailable):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_unavailable"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
}

func parseUserIDParam(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid user id")
	}
	return uint(id), nil
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
