// auth.go: middleware аутентификации консоли.
// Токен берётся из cookie (AC_AUTH_COOKIE) или заголовка Authorization.
// Подпись проверяется через JWKS, если задан AC_JWT_JWKS_URL; профиль
// пользователя и его права запрашиваются у backend (с кэшем).
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/asset-console/internal/api/errors"
	"github.com/bigkaa/asset-console/internal/backend"
	"github.com/bigkaa/asset-console/internal/domain/model"
	"github.com/bigkaa/asset-console/internal/domain/permission"
)

// contextKey: тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyPrincipal: аутентифицированный пользователь в контексте запроса.
	ContextKeyPrincipal contextKey = "principal"
)

// Principal: пользователь запроса (токен для backend, профиль и права).
type Principal struct {
	Token     string
	User      *model.User
	Evaluator *permission.Evaluator
}

// AuthConfig: параметры аутентификации.
type AuthConfig struct {
	// CookieName: имя cookie с токеном.
	CookieName string
	// JWKSURL: URL JWKS (если пусто, подпись не проверяется и токен проверяет backend).
	JWKSURL string
	// CACertPath: CA-сертификат для JWKS.
	CACertPath string
	// Issuer: ожидаемый issuer (опционально).
	Issuer string
	// Leeway: допуск расхождения часов.
	Leeway time.Duration
	// JWKSRefreshInterval: интервал обновления ключей.
	JWKSRefreshInterval time.Duration
}

// Auth: middleware аутентификации.
type Auth struct {
	cookieName string
	jwks       keyfunc.Keyfunc
	issuer     string
	leeway     time.Duration
	profiles   backend.ProfileSource
	logger     *slog.Logger
}

// NewAuth создаёт middleware. profiles: источник профиля пользователя
// (обычно backend.CachedProfiles).
func NewAuth(cfg AuthConfig, profiles backend.ProfileSource, logger *slog.Logger) (*Auth, error) {
	a := &Auth{
		cookieName: cfg.CookieName,
		issuer:     cfg.Issuer,
		leeway:     cfg.Leeway,
		profiles:   profiles,
		logger:     logger.With(slog.String("component", "auth")),
	}
	if cfg.JWKSURL == "" {
		a.logger.Warn("AC_JWT_JWKS_URL не задан: подпись токена проверяет только backend")
		return a, nil
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.CACertPath != "" {
		tlsConfig, err := backend.BuildTLSConfig(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", cfg.CACertPath, err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	refresh := cfg.JWKSRefreshInterval
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}

	// NoErrorReturnFirstHTTPReq: стартуем даже если JWKS ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refresh,
		RefreshErrorHandler: func(_ context.Context, err error) {
			a.logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	a.jwks, err = keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	return a, nil
}

// NewAuthWithKeyfunc создаёт middleware с готовой keyfunc (nil = без проверки подписи).
// Используется в тестах.
func NewAuthWithKeyfunc(kf keyfunc.Keyfunc, cookieName, issuer string, profiles backend.ProfileSource, logger *slog.Logger) *Auth {
	return &Auth{
		cookieName: cookieName,
		jwks:       kf,
		issuer:     issuer,
		profiles:   profiles,
		logger:     logger.With(slog.String("component", "auth")),
	}
}

// Middleware возвращает HTTP middleware аутентификации.
func (a *Auth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := a.extractToken(r)
			if !ok {
				apierrors.Unauthorized(w, "Отсутствует токен доступа")
				return
			}

			if a.jwks != nil {
				if err := a.verify(r.Context(), token); err != nil {
					a.logger.Debug("JWT валидация не пройдена",
						slog.String("error", err.Error()),
						slog.String("remote_addr", r.RemoteAddr),
					)
					apierrors.Unauthorized(w, "Невалидный или просроченный токен")
					return
				}
			}

			user, err := a.profiles.Me(r.Context(), token)
			if err != nil {
				if errors.Is(err, backend.ErrUnauthorized) {
					apierrors.Unauthorized(w, "Сессия истекла, войдите снова")
					return
				}
				a.logger.Error("Профиль пользователя недоступен", slog.String("error", err.Error()))
				apierrors.BackendUnavailable(w, "Backend недоступен")
				return
			}

			p := &Principal{
				Token:     token,
				User:      user,
				Evaluator: permission.NewEvaluator(user),
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// extractToken читает токен из cookie, затем из Authorization: Bearer.
func (a *Auth) extractToken(r *http.Request) (string, bool) {
	if a.cookieName != "" {
		if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
			return c.Value, true
		}
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// verify проверяет подпись RS256, срок действия и issuer.
func (a *Auth) verify(ctx context.Context, token string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, a.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("невалидный токен")
	}
	return nil
}

// --- Context helpers ---

// PrincipalFromContext извлекает Principal из контекста запроса.
// Возвращает nil, если запрос не аутентифицирован.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ContextKeyPrincipal).(*Principal)
	return p
}

// EvaluatorFromContext возвращает Evaluator пользователя запроса.
// Без аутентификации: Evaluator без пользователя (все проверки запрещены).
func EvaluatorFromContext(ctx context.Context) *permission.Evaluator {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Evaluator
	}
	return permission.NewEvaluator(nil)
}

// WithPrincipal помещает Principal в контекст.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}
