package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/token"
	"github.com/gatehouse-auth/gatehouse/internal/view"
)

// genericLinkError is shown for every handshake failure. Invalid reference,
// expired and mismatch must be indistinguishable to the visitor.
const genericLinkError = "This link is invalid or has expired."

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
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

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/register", h.showRegister)
	r.Post("/register", h.handleRegister)
	r.Get("/register/done", h.showRegisterDone)
	r.Get("/verify/{ref}/{token}", h.handleVerify)
	r.Get("/verify/resend", h.showResend)
	r.Post("/verify/resend", h.handleResend)
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/password/reset", h.showResetRequest)
	r.Post("/password/reset", h.handleResetRequest)
	r.Get("/password/reset/sent", h.showResetSent)
	r.Get("/password/reset/confirm/{ref}/{token}", h.showResetConfirm)
	r.Post("/password/reset/confirm/{ref}/{token}", h.handleResetConfirm)
	r.Get("/password/reset/done", h.showResetDone)
}

type registerForm struct {
	Email           string `validate:"required,email"`
	Username        string `validate:"required,min=3,max=64"`
	Password        string `validate:"required,min=8"`
	PasswordConfirm string `validate:"required,eqfield=Password"`
}

// loginForm deliberately checks only presence of the password: length policy
// belongs to registration, and enforcing it here would lock out accounts that
// predate a policy change.
type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
	Remember bool
}

type resetRequestForm struct {
	Email string `validate:"required,email"`
}

type resetConfirmForm struct {
	Password        string `validate:"required,min=8"`
	PasswordConfirm string `validate:"required,eqfield=Password"`
}

type formPageData struct {
	Form   any
	Errors map[string]string
}

type verifyPageData struct {
	OK      bool
	Message string
}

func (h *Handler) showRegister(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/register.html", "Create account", http.StatusOK, formPageData{Form: registerForm{}})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := registerForm{
		Email:           r.PostFormValue("email"),
		Username:        r.PostFormValue("username"),
		Password:        r.PostFormValue("password"),
		PasswordConfirm: r.PostFormValue("password_confirm"),
	}
	errs := h.validate(form)

	if len(errs) == 0 {
		_, err := h.service.Register(r.Context(), form.Email, form.Username, form.Password)
		switch {
		case err == nil:
			http.Redirect(w, r, "/auth/register/done", http.StatusSeeOther)
			return
		case errors.Is(err, shared.ErrEmailTaken):
			errs["Email"] = "An account with this email already exists"
		case errors.Is(err, shared.ErrUsernameTaken):
			errs["Username"] = "This username is already taken"
		default:
			h.logger.Error("register", slog.Any("error", err))
			errs["general"] = "Something went wrong, please try again"
		}
	}

	form.Password = ""
	form.PasswordConfirm = ""
	h.render(w, r, "pages/register.html", "Create account", http.StatusBadRequest, formPageData{Form: form, Errors: errs})
}

func (h *Handler) showRegisterDone(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/register_done.html", "Check your email", http.StatusOK, nil)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	tok := chi.URLParam(r, "token")

	_, err := h.service.VerifyActivation(r.Context(), ref, tok)
	if err != nil {
		if !token.IsVerifyError(err) {
			h.logger.Error("verify activation", slog.Any("error", err))
		}
		h.render(w, r, "pages/verify_result.html", "Verification failed", http.StatusBadRequest, verifyPageData{Message: genericLinkError})
		return
	}
	h.render(w, r, "pages/verify_result.html", "Email verified", http.StatusOK, verifyPageData{OK: true, Message: "Your email address has been verified. You can now sign in."})
}

func (h *Handler) showResend(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/resend.html", "Resend verification", http.StatusOK, formPageData{Form: resetRequestForm{}})
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := resetRequestForm{Email: r.PostFormValue("email")}
	if errs := h.validate(form); len(errs) != 0 {
		h.render(w, r, "pages/resend.html", "Resend verification", http.StatusBadRequest, formPageData{Form: form, Errors: errs})
		return
	}
	// Same response whether or not the address is known.
	h.service.ResendVerification(r.Context(), form.Email)
	http.Redirect(w, r, "/auth/register/done", http.StatusSeeOther)
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/login.html", "Sign in", http.StatusOK, formPageData{Form: loginForm{}})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sess := shared.SessionFromContext(r.Context())

	form := loginForm{
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
		Remember: r.PostFormValue("remember") == "on",
	}
	errs := h.validate(form)

	if len(errs) == 0 {
		user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
		if err != nil {
			errs["general"] = "Invalid email or password"
		} else {
			if sess == nil {
				h.logger.Error("session missing during login")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			// Fresh session ID at privilege change.
			h.sessionManager.Renew(sess)
			sess.SetPersistent(form.Remember)
			sess.SetUser(strconv.FormatInt(user.ID, 10))
			sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back"})
			expiresAt := time.Now().Add(h.sessionManager.TTLFor(sess))
			if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
				h.logger.Warn("register session", slog.Any("error", err))
			}
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
	}

	form.Password = ""
	h.render(w, r, "pages/login.html", "Sign in", http.StatusBadRequest, formPageData{Form: form, Errors: errs})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.Logout(r.Context(), sess.ID, shared.CurrentUserID(sess)); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) showResetRequest(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/reset_request.html", "Reset password", http.StatusOK, formPageData{Form: resetRequestForm{}})
}

func (h *Handler) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := resetRequestForm{Email: r.PostFormValue("email")}
	if errs := h.validate(form); len(errs) != 0 {
		h.render(w, r, "pages/reset_request.html", "Reset password", http.StatusBadRequest, formPageData{Form: form, Errors: errs})
		return
	}
	// Identical response whether or not an account exists.
	h.service.RequestPasswordReset(r.Context(), form.Email)
	http.Redirect(w, r, "/auth/password/reset/sent", http.StatusSeeOther)
}

func (h *Handler) showResetSent(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/reset_sent.html", "Check your email", http.StatusOK, nil)
}

func (h *Handler) showResetConfirm(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	tok := chi.URLParam(r, "token")

	if _, err := h.service.CheckResetToken(r.Context(), ref, tok); err != nil {
		if !token.IsVerifyError(err) {
			h.logger.Error("check reset token", slog.Any("error", err))
		}
		h.render(w, r, "pages/verify_result.html", "Reset failed", http.StatusBadRequest, verifyPageData{Message: genericLinkError})
		return
	}
	h.render(w, r, "pages/reset_confirm.html", "Choose a new password", http.StatusOK, formPageData{Form: resetConfirmForm{}})
}

func (h *Handler) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ref := chi.URLParam(r, "ref")
	tok := chi.URLParam(r, "token")

	form := resetConfirmForm{
		Password:        r.PostFormValue("password"),
		PasswordConfirm: r.PostFormValue("password_confirm"),
	}
	if errs := h.validate(form); len(errs) != 0 {
		h.render(w, r, "pages/reset_confirm.html", "Choose a new password", http.StatusBadRequest, formPageData{Form: resetConfirmForm{}, Errors: errs})
		return
	}

	if _, err := h.service.ConfirmPasswordReset(r.Context(), ref, tok, form.Password); err != nil {
		if !token.IsVerifyError(err) {
			h.logger.Error("confirm reset", slog.Any("error", err))
		}
		h.render(w, r, "pages/verify_result.html", "Reset failed", http.StatusBadRequest, verifyPageData{Message: genericLinkError})
		return
	}
	http.Redirect(w, r, "/auth/password/reset/done", http.StatusSeeOther)
}

func (h *Handler) showResetDone(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/reset_done.html", "Password updated", http.StatusOK, nil)
}

func (h *Handler) validate(form any) map[string]string {
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
		} else {
			errs["general"] = "Invalid input"
		}
	}
	return errs
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

// ShowLoginForTest exposes the GET handler for tests.
func (h *Handler) ShowLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.showLogin(w, r)
}

// HandleLoginForTest exposes the POST handler for tests.
func (h *Handler) HandleLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.handleLogin(w, r)
}

// HandleRegisterForTest exposes the POST handler for tests.
func (h *Handler) HandleRegisterForTest(w http.ResponseWriter, r *http.Request) {
	h.handleRegister(w, r)
}

// HandleVerifyForTest exposes the verification handler for tests.
func (h *Handler) HandleVerifyForTest(w http.ResponseWriter, r *http.Request) {
	h.handleVerify(w, r)
}
