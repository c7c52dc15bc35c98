package auth

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/officialexam/exam-api/internal/httputil"
	"github.com/sirupsen/logrus"
)

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=1,max=72"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Handler exposes the Service over HTTP.
type Handler struct {
	Service       *Service
	Guard         *Guard
	Log           *logrus.Logger
	SecureCookies bool
	validate      *validator.Validate
}

func NewHandler(service *Service, guard *Guard, log *logrus.Logger, secureCookies bool) *Handler {
	return &Handler{
		Service:       service,
		Guard:         guard,
		Log:           log,
		SecureCookies: secureCookies,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes mounts the /auth endpoints. Register and login are public;
// refresh and logout need the refresh cookie; profile needs an access token.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/register", h.Register).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/auth/refresh", h.Guard.RequireRefresh(http.HandlerFunc(h.Refresh))).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/auth/logout", h.Guard.RequireRefresh(http.HandlerFunc(h.Logout))).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/auth/profile", h.Guard.RequireAccess(http.HandlerFunc(h.Profile))).Methods(http.MethodGet, http.MethodOptions)
}

// POST /auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	tokens, err := h.Service.Register(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeTokens(w, http.StatusCreated, tokens)
}

// POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	tokens, err := h.Service.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeTokens(w, http.StatusOK, tokens)
}

// GET /auth/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, err := h.Service.Profile(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentialsRequest, bool) {
	var req credentialsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		httputil.WriteError(w, r, http.StatusBadRequest, validationMessage(err))
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeTokens(w http.ResponseWriter, status int, tokens *Tokens) {
	h.setRefreshCookie(w, tokens.RefreshToken)
	_ = httputil.WriteJSON(w, status, accessTokenResponse{AccessToken: tokens.AccessToken})
}

// writeServiceError maps engine sentinels to statuses. Anything else is a
// 500 with the cause kept in the log.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httputil.WriteError(w, r, http.StatusBadRequest, "Validation failed")
	case errors.Is(err, ErrConflict):
		httputil.WriteError(w, r, http.StatusConflict, "Email already exists")
	case errors.Is(err, ErrInvalidCredentials):
		httputil.WriteError(w, r, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidToken):
		httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, ErrForbidden):
		httputil.WriteError(w, r, http.StatusForbidden, "Access denied")
	default:
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		httputil.WriteInternalError(w, r)
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Validation failed"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// requestMeta records the peer address; proxies are not trusted.
func requestMeta(r *http.Request) Meta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return Meta{UserAgent: r.UserAgent(), IP: ip}
}
