package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/gatehouse-auth/gatehouse/internal/observability"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/token"
)

// Mailer delivers handshake emails. Implementations enqueue rather than
// block on SMTP.
type Mailer interface {
	SendActivation(ctx context.Context, user *User, ref, tok string) error
	SendPasswordReset(ctx context.Context, user *User, ref, tok string) error
}

// Auditor records security-relevant events.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SessionRevoker drops the live session records backing revoked session IDs.
// Satisfied by shared.SessionManager.
type SessionRevoker interface {
	DropSessions(ctx context.Context, ids ...string) error
}

// Service wraps authentication business rules.
type Service struct {
	repo       Repository
	activation *token.Engine
	reset      *token.Engine
	mailer     Mailer
	audit      Auditor
	sessions   SessionRevoker
	logger     *slog.Logger
	metrics    *observability.AuthMetrics
}

// ServiceConfig groups the Service collaborators.
type ServiceConfig struct {
	Repo       Repository
	Activation *token.Engine
	Reset      *token.Engine
	Mailer     Mailer
	Audit      Auditor
	Sessions   SessionRevoker
	Logger     *slog.Logger
	Metrics    *observability.AuthMetrics
}

// NewService constructs a new Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       cfg.Repo,
		activation: cfg.Activation,
		reset:      cfg.Reset,
		mailer:     cfg.Mailer,
		audit:      cfg.Audit,
		sessions:   cfg.Sessions,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// NormalizeUsername applies NFKC so visually identical usernames collide at
// registration instead of coexisting.
func NormalizeUsername(username string) string {
	return norm.NFKC.String(strings.TrimSpace(username))
}

// NormalizeEmail lowercases the address for the unique constraint.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an inactive account and sends the verification email.
func (s *Service) Register(ctx context.Context, email, username, password string) (*User, error) {
	email = NormalizeEmail(email)
	username = NormalizeUsername(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.CreateUser(ctx, email, username, string(hash))
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, user.ID, shared.AuditUserRegistered, user)
	s.sendActivation(ctx, user)
	return user, nil
}

// ResendVerification issues a fresh activation handshake when the email
// belongs to an inactive account. It reports nothing about account existence.
func (s *Service) ResendVerification(ctx context.Context, email string) {
	user, err := s.repo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil || user.IsActive {
		return
	}
	s.sendActivation(ctx, user)
}

// VerifyActivation validates an activation handshake and activates the
// account. Activation rewrites the fingerprint, so the token cannot be
// replayed.
func (s *Service) VerifyActivation(ctx context.Context, ref, tok string) (*User, error) {
	user, err := s.verify(ctx, s.activation, token.PurposeActivation, ref, tok)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Activate(ctx, user.ID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// Already active: the fingerprint check above should have
			// caught this, but the update races with concurrent clicks.
			return nil, token.ErrMismatch
		}
		return nil, err
	}
	user.IsActive = true
	s.recordAudit(ctx, user.ID, shared.AuditUserActivated, user)
	return user, nil
}

// Authenticate validates email/password credentials. Inactive accounts fail
// exactly like wrong passwords.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		s.metrics.Login("failure")
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		s.metrics.Login("failure")
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.metrics.Login("failure")
		return nil, shared.ErrInvalidCredentials
	}
	s.metrics.Login("success")
	s.recordAudit(ctx, user.ID, shared.AuditLogin, user)
	return user, nil
}

// RequestPasswordReset issues a reset handshake when the email belongs to an
// active account. The caller renders the same response either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) {
	user, err := s.repo.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil || !user.IsActive {
		return
	}
	ref, tok := s.reset.Issue(user.Subject())
	s.metrics.TokenIssued(string(token.PurposeReset))
	if err := s.mailer.SendPasswordReset(ctx, user, ref, tok); err != nil {
		s.logger.Error("enqueue reset email", slog.Any("error", err))
		return
	}
	s.recordAudit(ctx, user.ID, shared.AuditResetRequested, user)
}

// CheckResetToken validates a reset handshake without consuming it, for
// rendering the new-password form.
func (s *Service) CheckResetToken(ctx context.Context, ref, tok string) (*User, error) {
	return s.verify(ctx, s.reset, token.PurposeReset, ref, tok)
}

// ConfirmPasswordReset validates the handshake once more and stores the new
// password. The hash change invalidates the token and every other one issued
// against the old fingerprint; other sessions of the user are revoked.
func (s *Service) ConfirmPasswordReset(ctx context.Context, ref, tok, newPassword string) (*User, error) {
	user, err := s.verify(ctx, s.reset, token.PurposeReset, ref, tok)
	if err != nil {
		return nil, err
	}
	if err := s.setPassword(ctx, user, newPassword, ""); err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword sets a new password for a logged-in user after checking the
// current one. The session identified by keepSessionID survives.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, newPassword, keepSessionID string) error {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return shared.ErrInvalidCredentials
	}
	return s.setPassword(ctx, user, newPassword, keepSessionID)
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// Logout removes the session record and audits the sign-out.
func (s *Service) Logout(ctx context.Context, sessionID string, userID int64) error {
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if userID > 0 {
		if user, err := s.repo.FindByID(ctx, userID); err == nil {
			s.recordAudit(ctx, userID, shared.AuditLogout, user)
		}
	}
	return nil
}

// FindUser fetches a user by ID for the account area.
func (s *Service) FindUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) verify(ctx context.Context, engine *token.Engine, purpose token.Purpose, ref, tok string) (*User, error) {
	id, err := token.DecodeReference(ref)
	if err != nil {
		s.rejectToken(ctx, purpose, err)
		return nil, err
	}
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.rejectToken(ctx, purpose, token.ErrInvalidReference)
			return nil, token.ErrInvalidReference
		}
		return nil, err
	}
	if err := engine.Verify(user.Subject(), tok); err != nil {
		s.rejectToken(ctx, purpose, err)
		s.recordAudit(ctx, user.ID, shared.AuditVerifyRejected, user)
		return nil, err
	}
	s.metrics.TokenVerified(string(purpose), "success")
	return user, nil
}

func (s *Service) setPassword(ctx context.Context, user *User, newPassword, keepSessionID string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		return err
	}
	user.PasswordHash = string(hash)
	revoked, err := s.repo.DeleteUserSessions(ctx, user.ID, keepSessionID)
	if err != nil {
		s.logger.Warn("revoke sessions", slog.Int64("user_id", user.ID), slog.Any("error", err))
	} else if len(revoked) > 0 && s.sessions != nil {
		// Deleting the rows alone is not enough: the live records in redis
		// are what authenticate requests, so they must go too.
		if err := s.sessions.DropSessions(ctx, revoked...); err != nil {
			s.logger.Warn("drop revoked sessions", slog.Int64("user_id", user.ID), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, user.ID, shared.AuditPasswordChanged, user)
	return nil
}

func (s *Service) sendActivation(ctx context.Context, user *User) {
	ref, tok := s.activation.Issue(user.Subject())
	s.metrics.TokenIssued(string(token.PurposeActivation))
	if err := s.mailer.SendActivation(ctx, user, ref, tok); err != nil {
		s.logger.Error("enqueue activation email", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
}

func (s *Service) rejectToken(ctx context.Context, purpose token.Purpose, err error) {
	switch {
	case errors.Is(err, token.ErrExpired):
		s.metrics.TokenVerified(string(purpose), "expired")
	case errors.Is(err, token.ErrInvalidReference):
		s.metrics.TokenVerified(string(purpose), "invalid_reference")
	default:
		s.metrics.TokenVerified(string(purpose), "mismatch")
	}
	s.logger.Info("handshake rejected", slog.String("purpose", string(purpose)), slog.Any("reason", err))
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, user *User) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(user.ID, 10),
		Meta:     map[string]any{"email": user.Email},
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}
