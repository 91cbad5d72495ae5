package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"templateshop.app/api/models"
)

var (
	ErrDuplicateOrder      = errors.New("order with this external id already exists")
	ErrDuplicateLicenseKey = errors.New("license key already exists")
	ErrOrderNotFound       = errors.New("order not found")
	ErrLicenseNotFound     = errors.New("license not found")
	ErrLicenseInactive     = errors.New("license not active")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrUsageExhausted      = errors.New("license usage limit reached")
)

// Queries is the set of operations available both on the store and inside a
// transaction. Lookups return nil, nil when nothing matches.
type Queries interface {
	FindOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error)
	CreateOrderWithLicenses(ctx context.Context, order *models.Order, licenses []*models.License) error
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
	DeactivateLicensesForOrder(ctx context.Context, orderID string) (int, error)

	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	FindTemplatesByProviderIDs(ctx context.Context, productID, variantID string) ([]*models.Template, error)
	SaveTemplate(ctx context.Context, template *models.Template) error
	IncrementTemplatePurchaseCount(ctx context.Context, templateID string) error

	FindOrCreateUserByEmail(ctx context.Context, email, name string) (*models.User, error)

	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicensesByOrder(ctx context.Context, orderID string) ([]*models.License, error)
	// IncrementLicenseUsage consumes one usage of an active license, failing
	// with ErrUsageExhausted when the cap is already reached.
	IncrementLicenseUsage(ctx context.Context, key string) (*models.License, error)
}

type Storage interface {
	Queries

	// WithTransaction runs fn in one unit of work. If fn returns an error
	// nothing it wrote is kept.
	WithTransaction(ctx context.Context, fn func(tx Queries) error) error

	Close() error
}

type memoryState struct {
	orders    map[string]*models.Order
	licenses  map[string]*models.License
	templates map[string]*models.Template
	users     map[string]*models.User
}

func newMemoryState() *memoryState {
	return &memoryState{
		orders:    make(map[string]*models.Order),
		licenses:  make(map[string]*models.License),
		templates: make(map[string]*models.Template),
		users:     make(map[string]*models.User),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.licenses {
		c.licenses[k] = v.Clone()
	}
	for k, v := range s.templates {
		c.templates[k] = v.Clone()
	}
	for k, v := range s.users {
		c.users[k] = v.Clone()
	}
	return c
}

// MemoryStorage keeps everything in process. Transactions are serialized and
// run against a copy that replaces the live state only on success.
type MemoryStorage struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{state: newMemoryState(), now: time.Now}
}

func (m *MemoryStorage) queries() *memoryQueries {
	return &memoryQueries{state: m.state, now: m.now}
}

func (m *MemoryStorage) WithTransaction(ctx context.Context, fn func(tx Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	if err := fn(&memoryQueries{state: work, now: m.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.state = work
	return nil
}

func (m *MemoryStorage) FindOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().FindOrderByExternalID(ctx, externalID)
}

func (m *MemoryStorage) CreateOrderWithLicenses(ctx context.Context, order *models.Order, licenses []*models.License) error {
	return m.WithTransaction(ctx, func(tx Queries) error {
		return tx.CreateOrderWithLicenses(ctx, order, licenses)
	})
}

func (m *MemoryStorage) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().UpdateOrderStatus(ctx, orderID, status)
}

func (m *MemoryStorage) DeactivateLicensesForOrder(ctx context.Context, orderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().DeactivateLicensesForOrder(ctx, orderID)
}

func (m *MemoryStorage) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().GetTemplate(ctx, id)
}

func (m *MemoryStorage) FindTemplatesByProviderIDs(ctx context.Context, productID, variantID string) ([]*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().FindTemplatesByProviderIDs(ctx, productID, variantID)
}

func (m *MemoryStorage) SaveTemplate(ctx context.Context, template *models.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().SaveTemplate(ctx, template)
}

func (m *MemoryStorage) IncrementTemplatePurchaseCount(ctx context.Context, templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().IncrementTemplatePurchaseCount(ctx, templateID)
}

func (m *MemoryStorage) FindOrCreateUserByEmail(ctx context.Context, email, name string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().FindOrCreateUserByEmail(ctx, email, name)
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().FindLicenseByKey(ctx, key)
}

func (m *MemoryStorage) FindLicensesByOrder(ctx context.Context, orderID string) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().FindLicensesByOrder(ctx, orderID)
}

func (m *MemoryStorage) IncrementLicenseUsage(ctx context.Context, key string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries().IncrementLicenseUsage(ctx, key)
}

// Counts reports how many orders, licenses and users are stored. Tests use it
// to assert that rejected events left no trace.
func (m *MemoryStorage) Counts() (orders, licenses, users int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.orders), len(m.state.licenses), len(m.state.users)
}

func (m *MemoryStorage) Close() error {
	return nil
}

type memoryQueries struct {
	state *memoryState
	now   func() time.Time
}

func (q *memoryQueries) FindOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	for _, order := range q.state.orders {
		if order.ExternalID == externalID {
			return order.Clone(), nil
		}
	}
	return nil, nil
}

func (q *memoryQueries) CreateOrderWithLicenses(ctx context.Context, order *models.Order, licenses []*models.License) error {
	for _, existing := range q.state.orders {
		if existing.ExternalID == order.ExternalID {
			return ErrDuplicateOrder
		}
	}
	seen := make(map[string]bool, len(licenses))
	for _, license := range licenses {
		if seen[license.Key] {
			return ErrDuplicateLicenseKey
		}
		seen[license.Key] = true
		for _, existing := range q.state.licenses {
			if existing.Key == license.Key {
				return ErrDuplicateLicenseKey
			}
		}
	}

	q.state.orders[order.ID] = order.Clone()
	for _, license := range licenses {
		q.state.licenses[license.ID] = license.Clone()
	}
	return nil
}

func (q *memoryQueries) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	order, exists := q.state.orders[orderID]
	if !exists {
		return ErrOrderNotFound
	}
	order.Status = status
	order.UpdatedAt = q.now()
	return nil
}

func (q *memoryQueries) DeactivateLicensesForOrder(ctx context.Context, orderID string) (int, error) {
	count := 0
	for _, license := range q.state.licenses {
		if license.OrderID == orderID && license.Active {
			license.Active = false
			license.UpdatedAt = q.now()
			count++
		}
	}
	return count, nil
}

func (q *memoryQueries) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	template, exists := q.state.templates[id]
	if !exists {
		return nil, nil
	}
	return template.Clone(), nil
}

func (q *memoryQueries) FindTemplatesByProviderIDs(ctx context.Context, productID, variantID string) ([]*models.Template, error) {
	var templates []*models.Template
	for _, template := range q.state.templates {
		if (productID != "" && template.ProviderProductID == productID) ||
			(variantID != "" && template.ProviderVariantID == variantID) {
			templates = append(templates, template.Clone())
		}
	}
	return templates, nil
}

func (q *memoryQueries) SaveTemplate(ctx context.Context, template *models.Template) error {
	now := q.now()
	if existing, exists := q.state.templates[template.ID]; exists {
		template.CreatedAt = existing.CreatedAt
		template.PurchaseCount = existing.PurchaseCount
	} else if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now
	q.state.templates[template.ID] = template.Clone()
	return nil
}

func (q *memoryQueries) IncrementTemplatePurchaseCount(ctx context.Context, templateID string) error {
	template, exists := q.state.templates[templateID]
	if !exists {
		return ErrTemplateNotFound
	}
	template.PurchaseCount++
	template.UpdatedAt = q.now()
	return nil
}

func (q *memoryQueries) FindOrCreateUserByEmail(ctx context.Context, email, name string) (*models.User, error) {
	email = normalizeEmail(email)
	for _, user := range q.state.users {
		if user.Email == email {
			return user.Clone(), nil
		}
	}

	now := q.now()
	user := &models.User{
		ID:        uuid.Must(uuid.NewRandom()).String(),
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.state.users[user.ID] = user
	return user.Clone(), nil
}

func (q *memoryQueries) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	for _, license := range q.state.licenses {
		if license.Key == key {
			return license.Clone(), nil
		}
	}
	return nil, nil
}

func (q *memoryQueries) FindLicensesByOrder(ctx context.Context, orderID string) ([]*models.License, error) {
	var licenses []*models.License
	for _, license := range q.state.licenses {
		if license.OrderID == orderID {
			licenses = append(licenses, license.Clone())
		}
	}
	sortLicenses(licenses)
	return licenses, nil
}

func (q *memoryQueries) IncrementLicenseUsage(ctx context.Context, key string) (*models.License, error) {
	for _, license := range q.state.licenses {
		if license.Key != key {
			continue
		}
		if !license.Active {
			return nil, ErrLicenseInactive
		}
		if !license.HasUsageLeft() {
			return nil, ErrUsageExhausted
		}
		license.UsedCount++
		license.UpdatedAt = q.now()
		return license.Clone(), nil
	}
	return nil, ErrLicenseNotFound
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func sortLicenses(licenses []*models.License) {
	sort.Slice(licenses, func(i, j int) bool {
		if !licenses[i].CreatedAt.Equal(licenses[j].CreatedAt) {
			return licenses[i].CreatedAt.Before(licenses[j].CreatedAt)
		}
		return licenses[i].ID < licenses[j].ID
	})
}
