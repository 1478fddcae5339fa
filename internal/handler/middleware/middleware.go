package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/konorlevich/danceshare/internal/database"
)

type ctxKey struct{}

type AccountFinder interface {
	GetAccountByUsername(ctx context.Context, username string) (*database.Account, error)
}

// WithAccount stores the authenticated account id in ctx.
func WithAccount(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func AccountID(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(ctxKey{}).(uint)
	return id, ok
}

// CheckAuth resolves basic auth credentials to an account and rejects everything else with 401.
func CheckAuth(accounts AccountFinder, l *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok || username == "" {
				unauthorized(rw)
				return
			}
			account, err := accounts.GetAccountByUsername(r.Context(), username)
			if err != nil {
				if !errors.Is(err, database.ErrRecordNotFound) {
					l.WithField("username", username).WithError(err).Error("can't get account")
				}
				unauthorized(rw)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(account.Hash), []byte(password)); err != nil {
				unauthorized(rw)
				return
			}
			next.ServeHTTP(rw, r.WithContext(WithAccount(r.Context(), account.ID)))
		})
	}
}

func unauthorized(rw http.ResponseWriter) {
	rw.Header().Set("WWW-Authenticate", `Basic realm="danceshare"`)
	rw.WriteHeader(http.StatusUnauthorized)
	_, _ = rw.Write([]byte("you are not authorized for this action"))
}

// Logger writes one line per request.
func Logger(l *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(rw, r.ProtoMajor)
			defer func() {
				if r.URL.Path == "/healthz" {
					return
				}
				l.WithFields(log.Fields{
					"request_id": chimw.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"duration":   time.Since(start),
				}).Info("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
