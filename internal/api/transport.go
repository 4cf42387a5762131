package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RoundTripperFunc позволяет использовать функцию как http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip вызывает саму функцию.
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// Middleware оборачивает транспорт клиента.
type Middleware func(next http.RoundTripper) http.RoundTripper

// Chain собирает транспорт так, что первый middleware выполняется первым.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	rt := base
	for i := len(mws) - 1; i >= 0; i-- {
		rt = mws[i](rt)
	}
	return rt
}

// TokenSource отдаёт текущий bearer-токен; пустая строка означает отсутствие токена.
type TokenSource func(ctx context.Context) string

// BearerAuth добавляет заголовок Authorization, если токен есть.
func BearerAuth(source TokenSource) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if source == nil {
				return next.RoundTrip(r)
			}
			token := source(r.Context())
			if token == "" {
				return next.RoundTrip(r)
			}
			req := r.Clone(r.Context())
			req.Header.Set(authorizationHeader, "Bearer "+token)
			return next.RoundTrip(req)
		})
	}
}

// OnUnauthorized вызывает handler после любого ответа 401. Сам ответ передаётся дальше без изменений.
func OnUnauthorized(handler func()) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			resp, err := next.RoundTrip(r)
			if err == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized && handler != nil {
				handler()
			}
			return resp, err
		})
	}
}

// Logging пишет одну строку на запрос и предупреждение на неуспешный ответ.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)
			if err != nil {
				logger.Warn("api request failed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				return resp, err
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", resp.StatusCode),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.StatusCode >= http.StatusBadRequest {
				logger.Warn("api error response", fields...)
			} else {
				logger.Debug("api response", fields...)
			}
			return resp, nil
		})
	}
}
