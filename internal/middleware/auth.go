// Package middleware содержит HTTP middleware тестового бэкенда.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const userIDKey contextKey = "userID"

const (
	bearerPrefix = "Bearer "
	// TokenType: значение token_type в ответах авторизации.
	TokenType = "bearer"

	msgInvalidCredentials = "Could not validate credentials"
)

// AuthMiddleware проверяет bearer-токены вида "<userID>.<hmac>".
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете генерируется случайный ключ.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("raw2insight-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет заголовок Authorization и кладёт идентификатор пользователя в контекст.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			writeUnauthorized(w)
			return
		}

		userID, ok := a.ParseToken(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if !ok {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken подписывает идентификатор пользователя.
func (a *AuthMiddleware) IssueToken(userID int64) string {
	idStr := strconv.FormatInt(userID, 10)
	return idStr + "." + a.sign(idStr)
}

// ParseToken проверяет подпись токена и возвращает идентификатор пользователя.
func (a *AuthMiddleware) ParseToken(token string) (int64, bool) {
	idStr, signature, found := strings.Cut(token, ".")
	if !found || idStr == "" || signature == "" {
		return 0, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(idStr))) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

func (a *AuthMiddleware) sign(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	return hex.EncodeToString(mac.Sum(nil))
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": msgInvalidCredentials})
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
