package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/georgemihalcea/ldapcheck/internal/log"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

// Recover turns a handler panic into a 500 and calls onPanic, if set.
// http.ErrAbortHandler is re-raised so net/http can abort the response.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}
				L.Error(r.Context(), xerrors.Newf("panic: %v", rec), "ops handler panic",
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
