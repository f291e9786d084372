// Package account serves the authenticated account area: profile overview
// and password change.
package account

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-auth/gatehouse/internal/auth"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/view"
)

// Handler wires HTTP endpoints for the account area.
type Handler struct {
	logger         *slog.Logger
	service        *auth.Service
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *auth.Service, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers account routes on provided router. Callers wrap the
// group in shared.RequireUser.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.showAccount)
	r.Get("/password", h.showPasswordChange)
	r.Post("/password", h.handlePasswordChange)
}

type passwordChangeForm struct {
	Current         string `validate:"required"`
	Password        string `validate:"required,min=8,nefield=Current"`
	PasswordConfirm string `validate:"required,eqfield=Password"`
}

type accountPageData struct {
	User *auth.User
}

type passwordPageData struct {
	Errors map[string]string
}

func (h *Handler) showAccount(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	user, err := h.service.FindUser(r.Context(), shared.CurrentUserID(sess))
	if err != nil {
		h.logger.Error("load account", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.render(w, r, "pages/account.html", "Your account", http.StatusOK, accountPageData{User: user})
}

func (h *Handler) showPasswordChange(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/password_change.html", "Change password", http.StatusOK, passwordPageData{})
}

func (h *Handler) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sess := shared.SessionFromContext(r.Context())

	form := passwordChangeForm{
		Current:         r.PostFormValue("current_password"),
		Password:        r.PostFormValue("password"),
		PasswordConfirm: r.PostFormValue("password_confirm"),
	}
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
		}
	}

	if len(errs) == 0 {
		keepID := ""
		if sess != nil {
			keepID = sess.ID
		}
		err := h.service.ChangePassword(r.Context(), shared.CurrentUserID(sess), form.Current, form.Password, keepID)
		switch {
		case err == nil:
			if sess != nil {
				sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Your password has been updated"})
			}
			http.Redirect(w, r, "/account", http.StatusSeeOther)
			return
		case errors.Is(err, shared.ErrInvalidCredentials):
			errs["Current"] = "Current password is incorrect"
		default:
			h.logger.Error("change password", slog.Any("error", err))
			errs["general"] = "Something went wrong, please try again"
		}
	}

	h.render(w, r, "pages/password_change.html", "Change password", http.StatusBadRequest, passwordPageData{Errors: errs})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, page, title string, status int, data any) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	if err := h.templates.Render(w, page, viewData); err != nil {
		h.logger.Error("render "+page, slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// HandlePasswordChangeForTest exposes the POST handler for tests.
func (h *Handler) HandlePasswordChangeForTest(w http.ResponseWriter, r *http.Request) {
	h.handlePasswordChange(w, r)
}
