package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type (
	tenantKey struct{}
	connKey   struct{}
	txKey     struct{}
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

// ValidateTenantID rejects ids that cannot be used as part of a schema name.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant identifier %q", id)
	}
	return nil
}

// SchemaName is the Postgres schema holding one hospital group's cases.
func SchemaName(tenantID string) string {
	return "tenant_" + strings.ToLower(tenantID)
}

func quoteSchema(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}

// ScopeTx points tx at the tenant's schema until the transaction ends. It is
// for work that outlives the request and its pinned connection.
func ScopeTx(ctx context.Context, tx pgx.Tx, tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, "SET LOCAL search_path TO "+quoteSchema(SchemaName(tenantID))+", public")
	return err
}

// resolveTenant picks the tenant for a request: the signed token claim, then
// the X-Tenant-ID header, then the tenant_id query parameter.
func resolveTenant(c echo.Context, fallback string) (string, error) {
	tid, _ := c.Get("jwt_tenant_id").(string)
	if tid == "" {
		tid = c.Request().Header.Get("X-Tenant-ID")
	}
	if tid == "" {
		tid = c.QueryParam("tenant_id")
	}
	if tid == "" {
		tid = fallback
	}
	if err := ValidateTenantID(tid); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
	}
	return tid, nil
}

// TenantMiddleware pins a pooled connection to the request with its
// search_path set to the tenant schema. Repository calls and transactions
// made while serving the request run on that connection.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tid, err := resolveTenant(c, defaultTenant)
			if err != nil {
				return err
			}
			ctx := c.Request().Context()

			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			searchPath := "SET search_path TO " + quoteSchema(SchemaName(tid)) + ", public"
			if _, err := conn.Exec(ctx, searchPath); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			c.SetRequest(c.Request().WithContext(WithTenant(ctx, tid, conn)))
			return next(c)
		}
	}
}

// TenantScope resolves the tenant without holding a connection, for
// long-lived routes such as the websocket.
func TenantScope(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tid, err := resolveTenant(c, defaultTenant)
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(WithTenant(c.Request().Context(), tid, nil)))
			return next(c)
		}
	}
}

// WithTenant stores the tenant id, and conn when it is not nil, on ctx.
func WithTenant(ctx context.Context, tenantID string, conn *pgxpool.Conn) context.Context {
	ctx = context.WithValue(ctx, tenantKey{}, tenantID)
	if conn != nil {
		ctx = context.WithValue(ctx, connKey{}, conn)
	}
	return ctx
}

func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey{}).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(tenantKey{}).(string)
	return tid
}

// CreateTenantSchema creates the schema for a new hospital group and applies
// the migrations in migrationsDir to it when that is set.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrationsDir string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	schema := SchemaName(tenantID)
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteSchema(schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrationsDir == "" {
		return nil
	}
	if _, err := NewMigrator(pool, migrationsDir).Up(ctx, schema); err != nil {
		return fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return nil
}
