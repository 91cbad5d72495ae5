// Package fulfillment turns parsed provider events into orders and licenses.
//
// Every create or update runs inside one store transaction, so an event either
// lands completely or leaves no trace. Creation is idempotent on the
// provider's order id: redelivering an order_created event returns the order
// that already exists.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"templateshop.app/api/internal/apperr"
	"templateshop.app/api/internal/catalog"
	"templateshop.app/api/internal/email"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/internal/webhook"
	"templateshop.app/api/models"
	"templateshop.app/api/storage"
)

// keyAttempts bounds how often a create is retried after a license key
// collision.
const keyAttempts = 2

type KeyGenerator interface {
	Generate() (string, error)
}

// Policy sets the usage cap per tier and how long licenses stay valid. A cap
// or validity of zero means unlimited.
type Policy struct {
	SingleMaxUsage   int
	ExtendedMaxUsage int
	Validity         time.Duration
}

func (p Policy) maxUsage(tier models.LicenseTier) *int {
	limit := p.SingleMaxUsage
	if tier == models.TierExtended {
		limit = p.ExtendedMaxUsage
	}
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (p Policy) expiry(issued time.Time) *time.Time {
	if p.Validity <= 0 {
		return nil
	}
	t := issued.Add(p.Validity)
	return &t
}

type Result struct {
	OrderID     string
	ExternalID  string
	Status      models.OrderStatus
	LicenseIDs  []string
	LicenseKeys []string

	Created     bool
	Duplicate   bool
	Ignored     bool
	Changed     bool
	Deactivated int
}

type Engine struct {
	store    storage.Storage
	resolver *catalog.Resolver
	keys     KeyGenerator
	mailer   email.Sender
	policy   Policy
	now      func() time.Time
	newID    func() string
	log      *logger.Logger
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithSender enables the license e-mail sent after a new order commits.
func WithSender(s email.Sender) Option {
	return func(e *Engine) { e.mailer = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(store storage.Storage, resolver *catalog.Resolver, keys KeyGenerator, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		resolver: resolver,
		keys:     keys,
		policy:   Policy{SingleMaxUsage: 1},
		now:      time.Now,
		newID:    func() string { return uuid.Must(uuid.NewRandom()).String() },
		log:      logger.With(logger.Fields{"component": "fulfillment"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle dispatches a parsed event. Ignored events never touch the store.
func (e *Engine) Handle(ctx context.Context, event webhook.Event) (*Result, error) {
	switch ev := event.(type) {
	case *webhook.OrderCreated:
		return e.HandleOrderCreated(ctx, ev)
	case *webhook.OrderUpdated:
		return e.HandleOrderUpdated(ctx, ev)
	case *webhook.Ignored:
		e.log.Info("Ignoring webhook event", logger.Fields{"event": ev.Name()})
		return &Result{Ignored: true}, nil
	default:
		return nil, apperr.New(apperr.KindInternal, "handle event", fmt.Sprintf("unsupported event type %T", event))
	}
}

// issued is what the post-commit notification needs about a new order.
type issued struct {
	order    *models.Order
	license  *models.License
	template *models.Template
}

func (e *Engine) HandleOrderCreated(ctx context.Context, ev *webhook.OrderCreated) (*Result, error) {
	const op = "fulfill order"
	attrs := ev.Order
	log := e.log.With(logger.Fields{"external_id": attrs.ExternalID, "event": ev.Name()})

	var (
		result *Result
		fresh  *issued
		err    error
	)
	for attempt := 1; attempt <= keyAttempts; attempt++ {
		result, fresh, err = e.createOnce(ctx, &attrs)
		if !errors.Is(err, storage.ErrDuplicateLicenseKey) {
			break
		}
		log.Warn("License key collision, retrying with a new key", logger.Fields{"attempt": attempt})
	}

	if errors.Is(err, storage.ErrDuplicateOrder) {
		// A concurrent delivery committed first; report its order.
		log.Info("Order created concurrently, returning existing order")
		result, err = e.existing(ctx, attrs.ExternalID)
		if err == nil && result == nil {
			err = apperr.New(apperr.KindInternal, op, "order vanished after duplicate insert")
		}
	}
	if err != nil {
		err = classify(op, err)
		log.Error("Failed to fulfill order", logger.Fields{
			"kind":  apperr.KindOf(err).String(),
			"error": err.Error(),
		})
		return nil, err
	}

	if result.Duplicate {
		log.Info("Duplicate order_created ignored", logger.Fields{"order_id": result.OrderID})
		return result, nil
	}

	log.Info("Order fulfilled", logger.Fields{
		"order_id":    result.OrderID,
		"status":      string(result.Status),
		"license_ids": result.LicenseIDs,
	})
	if fresh != nil && fresh.order.Status.Fulfillable() {
		e.notify(ctx, fresh)
	}
	return result, nil
}

func (e *Engine) createOnce(ctx context.Context, attrs *webhook.OrderAttributes) (*Result, *issued, error) {
	var result *Result
	var fresh *issued

	err := e.store.WithTransaction(ctx, func(tx storage.Queries) error {
		existing, err := tx.FindOrderByExternalID(ctx, attrs.ExternalID)
		if err != nil {
			return fmt.Errorf("find order: %w", err)
		}
		if existing != nil {
			result, err = resultFor(ctx, tx, existing)
			if result != nil {
				result.Duplicate = true
			}
			return err
		}

		template, err := e.resolver.Resolve(ctx, tx, attrs.ProductID, attrs.VariantID)
		if err != nil {
			return err
		}

		user, err := tx.FindOrCreateUserByEmail(ctx, attrs.BuyerEmail, attrs.BuyerName)
		if err != nil {
			return fmt.Errorf("find or create user: %w", err)
		}

		key, err := e.keys.Generate()
		if err != nil {
			return err
		}

		now := e.now().UTC()
		tier := catalog.TierForVariant(attrs.VariantName)
		status := attrs.Status
		expiresAt := e.policy.expiry(now)

		order := &models.Order{
			ID:          e.newID(),
			ExternalID:  attrs.ExternalID,
			OrderNumber: attrs.OrderNumber,
			UserID:      user.ID,
			BuyerEmail:  user.Email,
			BuyerName:   attrs.BuyerName,
			TemplateID:  template.ID,
			Total:       attrs.Total,
			Currency:    attrs.Currency,
			Tier:        tier,
			Status:      status,
			LicenseKeys: []string{key},
			TestMode:    attrs.TestMode,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		license := &models.License{
			ID:         e.newID(),
			Key:        key,
			OrderID:    order.ID,
			TemplateID: template.ID,
			UserID:     &user.ID,
			Tier:       tier,
			Active:     status.Fulfillable(),
			MaxUsage:   e.policy.maxUsage(tier),
			ExpiresAt:  expiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if err := tx.CreateOrderWithLicenses(ctx, order, []*models.License{license}); err != nil {
			return err
		}
		if status.Fulfillable() {
			if err := tx.IncrementTemplatePurchaseCount(ctx, template.ID); err != nil {
				return fmt.Errorf("increment purchase count: %w", err)
			}
		}

		result = &Result{
			OrderID:     order.ID,
			ExternalID:  order.ExternalID,
			Status:      order.Status,
			LicenseIDs:  []string{license.ID},
			LicenseKeys: []string{license.Key},
			Created:     true,
		}
		fresh = &issued{order: order, license: license, template: template}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, fresh, nil
}

func (e *Engine) existing(ctx context.Context, externalID string) (*Result, error) {
	order, err := e.store.FindOrderByExternalID(ctx, externalID)
	if err != nil || order == nil {
		return nil, err
	}
	result, err := resultFor(ctx, e.store, order)
	if err != nil {
		return nil, err
	}
	result.Duplicate = true
	return result, nil
}

func resultFor(ctx context.Context, q storage.Queries, order *models.Order) (*Result, error) {
	licenses, err := q.FindLicensesByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("find licenses: %w", err)
	}

	result := &Result{
		OrderID:     order.ID,
		ExternalID:  order.ExternalID,
		Status:      order.Status,
		LicenseIDs:  make([]string, 0, len(licenses)),
		LicenseKeys: make([]string, 0, len(licenses)),
	}
	for _, license := range licenses {
		result.LicenseIDs = append(result.LicenseIDs, license.ID)
		result.LicenseKeys = append(result.LicenseKeys, license.Key)
	}
	return result, nil
}

// HandleOrderUpdated applies a status change to a known order. Updates never
// create orders, and transitions the state machine forbids are ignored.
func (e *Engine) HandleOrderUpdated(ctx context.Context, ev *webhook.OrderUpdated) (*Result, error) {
	const op = "update order"
	attrs := ev.Order
	log := e.log.With(logger.Fields{"external_id": attrs.ExternalID, "event": ev.Name()})

	target := attrs.Status
	if attrs.Refunded {
		target = models.OrderRefunded
	}

	var result *Result
	err := e.store.WithTransaction(ctx, func(tx storage.Queries) error {
		order, err := tx.FindOrderByExternalID(ctx, attrs.ExternalID)
		if err != nil {
			return fmt.Errorf("find order: %w", err)
		}
		if order == nil {
			return apperr.NotFound(op, fmt.Sprintf("order %s not found", attrs.ExternalID))
		}

		changed := false
		switch {
		case order.Status == target:
		case order.Status.CanTransition(target):
			if err := tx.UpdateOrderStatus(ctx, order.ID, target); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			log.Info("Order status changed", logger.Fields{
				"order_id": order.ID,
				"from":     string(order.Status),
				"to":       string(target),
			})
			order.Status = target
			changed = true
		default:
			log.Warn("Ignoring status transition", logger.Fields{
				"order_id": order.ID,
				"from":     string(order.Status),
				"to":       string(target),
			})
		}

		deactivated := 0
		if attrs.Refunded {
			if deactivated, err = tx.DeactivateLicensesForOrder(ctx, order.ID); err != nil {
				return fmt.Errorf("deactivate licenses: %w", err)
			}
		}

		result, err = resultFor(ctx, tx, order)
		if err != nil {
			return err
		}
		result.Changed = changed
		result.Deactivated = deactivated
		return nil
	})
	if err != nil {
		err = classify(op, err)
		log.Warn("Failed to update order", logger.Fields{
			"kind":  apperr.KindOf(err).String(),
			"error": err.Error(),
		})
		return nil, err
	}

	if result.Deactivated > 0 {
		log.Info("Licenses revoked", logger.Fields{
			"order_id": result.OrderID,
			"count":    result.Deactivated,
		})
	}
	return result, nil
}

// classify marks context expiry as transient so the provider redelivers.
func classify(op string, err error) error {
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
