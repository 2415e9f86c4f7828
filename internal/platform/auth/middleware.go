package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Actor is the authenticated caller of a request.
type Actor struct {
	UserID     int64
	HospitalID int64
	Roles      []string
}

type actorKey struct{}

// Claims are the token claims. Subject is the numeric users.id and Roles
// holds role types such as doctor, technician or admin.
type Claims struct {
	jwt.RegisteredClaims
	TenantID   string   `json:"tenant_id"`
	HospitalID int64    `json:"hospital_id,omitempty"`
	Roles      []string `json:"roles"`
}

var errSubjectNotUser = errors.New("token subject is not a user id")

// Validate is called by the jwt parser after the registered claims pass.
func (c Claims) Validate() error {
	if uid, err := strconv.ParseInt(c.Subject, 10, 64); err != nil || uid <= 0 {
		return errSubjectNotUser
	}
	return nil
}

func (c Claims) actor() Actor {
	uid, _ := strconv.ParseInt(c.Subject, 10, 64)
	return Actor{UserID: uid, HospitalID: c.HospitalID, Roles: c.Roles}
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on a websocket handshake, so upgrades may pass ?access_token= instead.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if gorillawebsocket.IsWebSocketUpgrade(r) {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, nil
			}
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, tok, ok := strings.Cut(header, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return tok, nil
}

// JWTMiddleware accepts HMAC-signed bearer tokens and puts the actor on the
// request context. The tenant claim is left for the tenant middleware under
// "jwt_tenant_id".
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			raw, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			var claims Claims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				if errors.Is(err, errSubjectNotUser) {
					return echo.NewHTTPError(http.StatusUnauthorized, errSubjectNotUser.Error())
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("jwt_tenant_id", claims.TenantID)
			c.SetRequest(c.Request().WithContext(ContextWithActor(c.Request().Context(), claims.actor())))
			return next(c)
		}
	}
}

// devActor is user 1 with the admin role unless X-User-ID or X-User-Roles
// say otherwise.
func devActor(r *http.Request) (Actor, error) {
	a := Actor{UserID: 1, Roles: []string{"admin"}}
	if v := r.Header.Get("X-User-ID"); v != "" {
		uid, err := strconv.ParseInt(v, 10, 64)
		if err != nil || uid <= 0 {
			return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid X-User-ID")
		}
		a.UserID = uid
	}
	if v := r.Header.Get("X-User-Roles"); v != "" {
		a.Roles = a.Roles[:0]
		for _, role := range strings.Split(v, ",") {
			if role = strings.TrimSpace(role); role != "" {
				a.Roles = append(a.Roles, role)
			}
		}
	}
	return a, nil
}

// DevAuthMiddleware authenticates every request as a development actor in
// the default tenant. It must only run in local setups.
func DevAuthMiddleware(skippers ...func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, skip := range skippers {
				if skip != nil && skip(c) {
					return next(c)
				}
			}
			a, err := devActor(c.Request())
			if err != nil {
				return err
			}
			c.Set("jwt_tenant_id", "default")
			c.SetRequest(c.Request().WithContext(ContextWithActor(c.Request().Context(), a)))
			return next(c)
		}
	}
}

func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// WithActor is ContextWithActor for callers that hold the parts.
func WithActor(ctx context.Context, userID, hospitalID int64, roles []string) context.Context {
	return ContextWithActor(ctx, Actor{UserID: userID, HospitalID: hospitalID, Roles: roles})
}

// ActorFromContext reports the caller, if the request was authenticated.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// UserIDFromContext returns the acting user's id, 0 when unauthenticated.
func UserIDFromContext(ctx context.Context) int64 {
	a, _ := ActorFromContext(ctx)
	return a.UserID
}

func HospitalFromContext(ctx context.Context) int64 {
	a, _ := ActorFromContext(ctx)
	return a.HospitalID
}

func RolesFromContext(ctx context.Context) []string {
	a, _ := ActorFromContext(ctx)
	return a.Roles
}
