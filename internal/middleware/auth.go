// Package middleware содержит HTTP middleware для сервиса studymate.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/validation"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour

	// DeviceIDHeader содержит идентификатор профиля устройства для анонимных запросов.
	DeviceIDHeader = "X-Device-ID"
)

// AuthMiddleware определяет идентичность запроса: пользователя по подписанному cookie
// или анонимный профиль устройства по заголовку X-Device-ID.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Identify добавляет идентичность в контекст запроса. Cookie имеет приоритет над заголовком;
// повреждённый cookie не заменяется анонимной идентичностью.
func (a *AuthMiddleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id model.Identity

		if cookie, err := r.Cookie(authCookieName); err == nil {
			userID, ok := a.parseCookie(cookie.Value)
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			id = model.Authenticated(userID)
		} else {
			deviceID := strings.TrimSpace(r.Header.Get(DeviceIDHeader))
			if err := validation.ValidateDeviceID(deviceID); err != nil {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			id = model.Anonymous(strings.ToLower(deviceID))
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного идентификатора пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, userID string) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(userID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// ClearAuthCookie удаляет cookie авторизации; следующие запросы снова идут от профиля устройства.
func (a *AuthMiddleware) ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) signature(userID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) sign(userID string) string {
	return userID + "." + a.signature(userID)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return "", false
	}

	userID, signature := cookieValue[:idx], cookieValue[idx+1:]
	if !hmac.Equal([]byte(signature), []byte(a.signature(userID))) {
		return "", false
	}

	return userID, true
}

// IdentityFromContext извлекает идентичность из контекста запроса.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

// WithIdentity кладёт идентичность в контекст.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}
