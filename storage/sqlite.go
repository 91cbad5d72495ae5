package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"templateshop.app/api/internal/apperr"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const busyTimeoutMillis = 5000

type SQLiteStorage struct {
	*sqlQueries

	db   *sql.DB
	path string
}

// NewSQLiteStorage opens the database at path and applies pending migrations.
// Transactions take the write lock up front so concurrent webhook deliveries
// queue on the busy timeout instead of failing to upgrade a read lock.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{
		sqlQueries: &sqlQueries{q: db, now: time.Now},
		db:         db,
		path:       path,
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func dsn(path string) string {
	params := fmt.Sprintf("_foreign_keys=on&_busy_timeout=%d&_txlock=immediate&_journal_mode=WAL", busyTimeoutMillis)
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	dbDriver, err := sqlite3migrate.WithInstance(s.db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStorage) WithTransaction(ctx context.Context, fn func(tx Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Error("Failed to roll back transaction", logger.Fields{
					"error": rbErr.Error(),
				})
			}
		}
	}()

	if err = fn(&sqlQueries{q: tx, now: s.now}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// CreateOrderWithLicenses outside an explicit transaction still writes the
// order and its licenses atomically.
func (s *SQLiteStorage) CreateOrderWithLicenses(ctx context.Context, order *models.Order, licenses []*models.License) error {
	return s.WithTransaction(ctx, func(tx Queries) error {
		return tx.CreateOrderWithLicenses(ctx, order, licenses)
	})
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type sqlQueries struct {
	q   querier
	now func() time.Time
}

// classify turns driver errors into the package's sentinel errors or into
// transient failures the webhook caller is expected to retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				msg := sqliteErr.Error()
				switch {
				case strings.Contains(msg, "orders.external_id"):
					return ErrDuplicateOrder
				case strings.Contains(msg, "licenses.license_key"):
					return ErrDuplicateLicenseKey
				}
			}
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull:
			return apperr.Transient(op, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return apperr.Transient(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

const orderColumns = `id, external_id, order_number, user_id, buyer_email, buyer_name, template_id,
	total, currency, tier, status, license_keys, test_mode, expires_at, created_at, updated_at`

func scanOrder(row scanner) (*models.Order, error) {
	var order models.Order
	var licenseKeys string
	var expiresAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.ExternalID,
		&order.OrderNumber,
		&order.UserID,
		&order.BuyerEmail,
		&order.BuyerName,
		&order.TemplateID,
		&order.Total,
		&order.Currency,
		&order.Tier,
		&order.Status,
		&licenseKeys,
		&order.TestMode,
		&expiresAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(licenseKeys), &order.LicenseKeys); err != nil {
		return nil, fmt.Errorf("decode license keys of order %s: %w", order.ID, err)
	}
	if expiresAt.Valid {
		order.ExpiresAt = &expiresAt.Time
	}

	return &order, nil
}

func (s *sqlQueries) FindOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE external_id = ?`

	order, err := scanOrder(s.q.QueryRowContext(ctx, query, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find order", err)
	}
	return order, nil
}

func (s *sqlQueries) CreateOrderWithLicenses(ctx context.Context, order *models.Order, licenses []*models.License) error {
	licenseKeys, err := json.Marshal(nonNil(order.LicenseKeys))
	if err != nil {
		return fmt.Errorf("encode license keys: %w", err)
	}

	query := `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.q.ExecContext(ctx, query,
		order.ID,
		order.ExternalID,
		order.OrderNumber,
		order.UserID,
		order.BuyerEmail,
		order.BuyerName,
		order.TemplateID,
		order.Total,
		order.Currency,
		string(order.Tier),
		string(order.Status),
		string(licenseKeys),
		order.TestMode,
		nullTime(order.ExpiresAt),
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return classify("insert order", err)
	}

	for _, license := range licenses {
		if err := s.insertLicense(ctx, license); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlQueries) insertLicense(ctx context.Context, license *models.License) error {
	query := `INSERT INTO licenses (` + licenseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var maxUsage sql.NullInt64
	if license.MaxUsage != nil {
		maxUsage = sql.NullInt64{Int64: int64(*license.MaxUsage), Valid: true}
	}
	var userID sql.NullString
	if license.UserID != nil {
		userID = sql.NullString{String: *license.UserID, Valid: true}
	}

	_, err := s.q.ExecContext(ctx, query,
		license.ID,
		license.Key,
		license.OrderID,
		license.TemplateID,
		userID,
		string(license.Tier),
		license.Active,
		maxUsage,
		license.UsedCount,
		nullTime(license.ExpiresAt),
		license.CreatedAt,
		license.UpdatedAt,
	)
	if err != nil {
		return classify("insert license", err)
	}
	return nil
}

func (s *sqlQueries) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UTC(), orderID)
	if err != nil {
		return classify("update order status", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("update order status", err)
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *sqlQueries) DeactivateLicensesForOrder(ctx context.Context, orderID string) (int, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE licenses SET active = 0, updated_at = ? WHERE order_id = ? AND active = 1`,
		s.now().UTC(), orderID)
	if err != nil {
		return 0, classify("deactivate licenses", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, classify("deactivate licenses", err)
	}
	return int(rows), nil
}

const templateColumns = `id, name, provider_product_id, provider_variant_id, purchase_count, created_at, updated_at`

func scanTemplate(row scanner) (*models.Template, error) {
	var template models.Template
	err := row.Scan(
		&template.ID,
		&template.Name,
		&template.ProviderProductID,
		&template.ProviderVariantID,
		&template.PurchaseCount,
		&template.CreatedAt,
		&template.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (s *sqlQueries) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = ?`

	template, err := scanTemplate(s.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get template", err)
	}
	return template, nil
}

func (s *sqlQueries) FindTemplatesByProviderIDs(ctx context.Context, productID, variantID string) ([]*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates
		WHERE (? <> '' AND provider_product_id = ?) OR (? <> '' AND provider_variant_id = ?)
		ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, productID, productID, variantID, variantID)
	if err != nil {
		return nil, classify("find templates", err)
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, classify("scan template", err)
		}
		templates = append(templates, template)
	}

	if err = rows.Err(); err != nil {
		return nil, classify("iterate templates", err)
	}
	return templates, nil
}

func (s *sqlQueries) SaveTemplate(ctx context.Context, template *models.Template) error {
	now := s.now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	query := `INSERT INTO templates (` + templateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			provider_product_id = excluded.provider_product_id,
			provider_variant_id = excluded.provider_variant_id,
			updated_at = excluded.updated_at`

	_, err := s.q.ExecContext(ctx, query,
		template.ID,
		template.Name,
		template.ProviderProductID,
		template.ProviderVariantID,
		template.PurchaseCount,
		template.CreatedAt,
		template.UpdatedAt,
	)
	if err != nil {
		return classify("save template", err)
	}
	return nil
}

func (s *sqlQueries) IncrementTemplatePurchaseCount(ctx context.Context, templateID string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE templates SET purchase_count = purchase_count + 1, updated_at = ? WHERE id = ?`,
		s.now().UTC(), templateID)
	if err != nil {
		return classify("increment purchase count", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("increment purchase count", err)
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (s *sqlQueries) FindOrCreateUserByEmail(ctx context.Context, email, name string) (*models.User, error) {
	email = normalizeEmail(email)
	now := s.now().UTC()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING`,
		uuid.Must(uuid.NewRandom()).String(), email, name, now, now)
	if err != nil {
		return nil, classify("create user", err)
	}

	var user models.User
	err = s.q.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`, email,
	).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, classify("find user", err)
	}
	return &user, nil
}

const licenseColumns = `id, license_key, order_id, template_id, user_id, tier, active, max_usage,
	used_count, expires_at, created_at, updated_at`

func scanLicense(row scanner) (*models.License, error) {
	var license models.License
	var userID sql.NullString
	var maxUsage sql.NullInt64
	var expiresAt sql.NullTime

	err := row.Scan(
		&license.ID,
		&license.Key,
		&license.OrderID,
		&license.TemplateID,
		&userID,
		&license.Tier,
		&license.Active,
		&maxUsage,
		&license.UsedCount,
		&expiresAt,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		license.UserID = &userID.String
	}
	if maxUsage.Valid {
		m := int(maxUsage.Int64)
		license.MaxUsage = &m
	}
	if expiresAt.Valid {
		license.ExpiresAt = &expiresAt.Time
	}
	return &license, nil
}

func (s *sqlQueries) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`

	license, err := scanLicense(s.q.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find license", err)
	}
	return license, nil
}

func (s *sqlQueries) FindLicensesByOrder(ctx context.Context, orderID string) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE order_id = ? ORDER BY created_at, id`

	rows, err := s.q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, classify("query licenses", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, classify("scan license", err)
		}
		licenses = append(licenses, license)
	}

	if err = rows.Err(); err != nil {
		return nil, classify("iterate licenses", err)
	}
	return licenses, nil
}

func (s *sqlQueries) IncrementLicenseUsage(ctx context.Context, key string) (*models.License, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE licenses SET used_count = used_count + 1, updated_at = ?
		WHERE license_key = ? AND active = 1 AND (max_usage IS NULL OR used_count < max_usage)`,
		s.now().UTC(), key)
	if err != nil {
		return nil, classify("increment license usage", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, classify("increment license usage", err)
	}

	license, err := s.FindLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, ErrLicenseNotFound
	}
	if rows == 0 {
		if !license.Active {
			return nil, ErrLicenseInactive
		}
		return nil, ErrUsageExhausted
	}
	return license, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
