package users

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/officialexam/exam-api/internal/httputil"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type updateUserRequest struct {
	Role Role `json:"role"`
}

// Handler serves the administrative user endpoints. Role checks are applied
// by the router.
type Handler struct {
	DB         *gorm.DB
	Repository Repository
	Log        *logrus.Logger
}

func NewHandler(db *gorm.DB, log *logrus.Logger) *Handler {
	return &Handler{
		DB:         db,
		Repository: NewRepository(),
		Log:        log,
	}
}

// RegisterRoutes mounts the handlers on an already guarded router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", h.GetUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", h.UpdateUser).Methods(http.MethodPatch)
	r.HandleFunc("/users/{id}", h.DeleteUser).Methods(http.MethodDelete)
}

// GET /admin/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Repository.List(h.DB.WithContext(r.Context()))
	if err != nil {
		h.Log.WithError(err).Error("list users")
		httputil.WriteInternalError(w, r)
		return
	}

	out := make([]Profile, 0, len(list))
	for i := range list {
		out = append(out, list[i].Profile())
	}
	_ = httputil.WriteJSON(w, http.StatusOK, out)
}

// GET /admin/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	u, err := h.Repository.FindByID(h.DB.WithContext(r.Context()), id)
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, r, http.StatusNotFound, "User not found")
		return
	case err != nil:
		h.Log.WithError(err).WithField("user_id", id).Error("get user")
		httputil.WriteInternalError(w, r)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, u.Profile())
}

// PATCH /admin/users/{id}
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateUserRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Role.Valid() {
		httputil.WriteError(w, r, http.StatusBadRequest, "role must be one of USER, VIP, STAFF, ADMIN")
		return
	}

	db := h.DB.WithContext(r.Context())
	err := h.Repository.UpdateRole(db, id, req.Role)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, r, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.Log.WithError(err).WithField("user_id", id).Error("update user")
		httputil.WriteInternalError(w, r)
		return
	}

	u, err := h.Repository.FindByID(db, id)
	if err != nil {
		h.Log.WithError(err).WithField("user_id", id).Error("reload user")
		httputil.WriteInternalError(w, r)
		return
	}
	h.Log.WithFields(logrus.Fields{"user_id": id, "role": req.Role}).Info("user role updated")
	_ = httputil.WriteJSON(w, http.StatusOK, u.Profile())
}

// DELETE /admin/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := h.Repository.Delete(h.DB.WithContext(r.Context()), id)
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, r, http.StatusNotFound, "User not found")
		return
	case err != nil:
		h.Log.WithError(err).WithField("user_id", id).Error("delete user")
		httputil.WriteInternalError(w, r)
		return
	}

	h.Log.WithField("user_id", id).Info("user deleted")
	httputil.WriteNoContent(w)
}
