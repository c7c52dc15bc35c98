package auth

import (
	"net/http"

	"github.com/officialexam/exam-api/internal/httputil"
)

const RefreshCookie = "refresh_token"

// The cookie carries no Expires or Max-Age: the stored record's expiry is
// checked on every use.
func (h *Handler) setRefreshCookie(w http.ResponseWriter, raw string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    raw,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    "",
		Path:     "/auth",
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// POST /auth/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := RefreshIdentityFrom(r.Context())
	if !ok {
		httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	tokens, err := h.Service.Refresh(r.Context(), id.JTI, id.Token, requestMeta(r))
	if err != nil {
		h.clearRefreshCookie(w)
		h.writeServiceError(w, r, err)
		return
	}
	h.writeTokens(w, http.StatusOK, tokens)
}

// POST /auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := RefreshIdentityFrom(r.Context())
	if !ok {
		httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.Service.Logout(r.Context(), id.JTI); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.clearRefreshCookie(w)
	httputil.WriteNoContent(w)
}
