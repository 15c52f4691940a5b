package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// request is implemented by pointer receivers of the endpoint request types.
type request[R any] interface {
	*R
	bind(r *http.Request) error
}

// validatable requests are checked after binding.
type validatable interface {
	validate() error
}

// handle adapts a typed endpoint to an http.HandlerFunc: it binds and
// validates the request, calls fn and renders the envelope.
func handle[R any, P request[R]](a *API, status int, fn func(ctx context.Context, req R) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes)
		}
		var req R
		if err := P(&req).bind(r); err != nil {
			a.fail(w, r, err)
			return
		}
		if v, ok := any(&req).(validatable); ok {
			if err := v.validate(); err != nil {
				a.fail(w, r, err)
				return
			}
		}
		data, err := fn(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.respond(w, r, status, data)
	}
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(ownerKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, errUnauthenticated
	}
	return id, nil
}

// requireOwner rejects requests without a valid owner header.
func (a *API) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(strings.TrimSpace(r.Header.Get(a.cfg.OwnerHeader)))
		if err != nil || id == uuid.Nil {
			a.fail(w, r, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, id)))
	})
}

// requireAdmin checks the bearer token against Config.AdminToken.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AdminToken)) != 1 {
			a.fail(w, r, errAdminOnly)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeJSON reads an optional JSON body into dst. Unknown fields are
// rejected.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON body", errBadRequest)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", errBadRequest, name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}
