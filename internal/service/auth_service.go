package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/deed_portal/internal/audit"
	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/hash"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	"github.com/Skotchmaster/deed_portal/internal/metrics"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/otp"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
)

type UserRepo interface {
	CreateUserIfNotExists(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error
}

type OTPManager interface {
	Request(ctx context.Context, identity string, purpose otp.Purpose) error
	Verify(ctx context.Context, identity string, purpose otp.Purpose, code string) error
	Cancel(ctx context.Context, identity string, purpose otp.Purpose) error
}

type AuthService struct {
	Users    UserRepo
	Tokens   *TokenService
	OTP      OTPManager
	Resolver *rbac.Resolver
	Audit    audit.Sink
	Metrics  *metrics.Auth

	// StepUp forces an OTP on every login. Staff and admin logins always step up.
	StepUp bool

	now func() time.Time
}

// dummyHash stands in for a missing stored hash.
var dummyHash = sync.OnceValue(func() string {
	h, _ := hash.HashPassword("deed-portal-placeholder")
	return h
})

type LoginResult struct {
	Pair        *TokenPair
	OTPRequired bool
}

type Profile struct {
	User             *models.User
	Permissions      []string
	PermissionSource rbac.Source
}

func (s *AuthService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *AuthService) record(ctx context.Context, e audit.Event) {
	if s.Audit == nil {
		return
	}
	s.Audit.Record(ctx, e)
}

func (s *AuthService) Register(ctx context.Context, email, phone, password string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register")

	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	pwHash, err := hash.HashPassword(password)
	if err != nil {
		l.Error("register_error", "status", 500, "reason", "cannot hash the password", "err", err)
		return nil, err
	}

	user := &models.User{
		Email:        email,
		Phone:        strings.TrimSpace(phone),
		PasswordHash: pwHash,
		Role:         models.RoleUser,
		Active:       true,
	}
	if err := s.Users.CreateUserIfNotExists(ctx, user); err != nil {
		if errors.Is(err, autherr.ErrConflict) {
			l.Warn("register_error", "status", 409, "reason", "user already exist")
		} else {
			l.Error("register_error", "status", 500, "err", err)
		}
		return nil, err
	}

	s.record(ctx, audit.Event{Action: audit.ActionRegister, PrincipalID: user.ID.String(), Role: user.Role, Success: true})

	err = s.OTP.Request(ctx, user.Email, otp.PurposeSignup)
	s.Metrics.OTPResult("request", string(otp.PurposeSignup), err)
	if err != nil {
		return user, err
	}
	return user, nil
}

func (s *AuthService) VerifySignup(ctx context.Context, email, code string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "auth.verify_signup")

	err := s.OTP.Verify(ctx, email, otp.PurposeSignup, code)
	s.Metrics.OTPResult("verify", string(otp.PurposeSignup), err)
	if err != nil {
		l.Info("verify_failed", "reason", metrics.Outcome(err))
		return nil, err
	}

	user, err := s.Users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !user.CanAuthenticate() {
		l.Warn("verify_failed", "reason", "blocked", "user_id", user.ID)
		s.record(ctx, audit.Event{Action: audit.ActionVerifySignup, PrincipalID: user.ID.String(), Role: user.Role, Success: false, Reason: "blocked"})
		return nil, autherr.ErrAccountBlocked
	}
	if err := s.Users.MarkVerified(ctx, user.ID); err != nil {
		return nil, err
	}
	user.Verified = true

	s.record(ctx, audit.Event{Action: audit.ActionVerifySignup, PrincipalID: user.ID.String(), Role: user.Role, Success: true})
	return s.issue(ctx, user, "signup")
}

// Login checks the password. Principals without a stored hash cannot log in until an admin resets them;
// callers see the same error as for a wrong password.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login")

	if strings.TrimSpace(email) == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	user, err := s.Users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, autherr.ErrPrincipalNotFound) {
			hash.CheckPassword(dummyHash(), password)
			l.Warn("login_failed", "status", 401, "reason", "invalid credentials")
			s.record(ctx, audit.Event{Action: audit.ActionLogin, Success: false, Reason: "invalid_credentials"})
			return nil, autherr.ErrInvalidCredentials
		}
		l.Error("login_failed", "status", 500, "err", err)
		return nil, err
	}

	fail := func(err error, reason string) (*LoginResult, error) {
		l.Warn("login_failed", "status", autherr.Status(err), "reason", reason, "user_id", user.ID)
		s.record(ctx, audit.Event{Action: audit.ActionLogin, PrincipalID: user.ID.String(), Role: user.Role, Success: false, Reason: reason})
		return nil, err
	}

	if user.PasswordHash == "" {
		hash.CheckPassword(dummyHash(), password)
		return fail(fmt.Errorf("%w: %w", autherr.ErrInvalidCredentials, autherr.ErrCredentialsUnrecoverable), "credentials_unrecoverable")
	}
	if !hash.CheckPassword(user.PasswordHash, password) {
		return fail(autherr.ErrInvalidCredentials, "invalid_credentials")
	}
	if !user.CanAuthenticate() {
		return fail(autherr.ErrAccountBlocked, "blocked")
	}
	if !user.Verified {
		return fail(autherr.ErrNotVerified, "not_verified")
	}

	if s.requiresStepUp(ctx, user) {
		err := s.OTP.Request(ctx, user.Email, otp.PurposeLogin)
		s.Metrics.OTPResult("request", string(otp.PurposeLogin), err)
		if err != nil {
			l.Error("login_step_up_failed", "user_id", user.ID, "err", err)
			return nil, err
		}
		s.record(ctx, audit.Event{Action: audit.ActionLogin, PrincipalID: user.ID.String(), Role: user.Role, Success: true, Reason: "otp_required"})
		return &LoginResult{OTPRequired: true}, nil
	}

	pair, err := s.issue(ctx, user, "login")
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Action: audit.ActionLogin, PrincipalID: user.ID.String(), Role: user.Role, Success: true})
	return &LoginResult{Pair: pair}, nil
}

func (s *AuthService) requiresStepUp(ctx context.Context, u *models.User) bool {
	if s.StepUp {
		return true
	}
	if s.Resolver == nil {
		return rbac.FallbackLevel(u.Role) >= rbac.LevelStaff1
	}
	return s.Resolver.Level(ctx, u.Role) >= rbac.LevelStaff1
}

// VerifyLogin completes a stepped-up login.
func (s *AuthService) VerifyLogin(ctx context.Context, email, code string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "auth.verify_login")

	err := s.OTP.Verify(ctx, email, otp.PurposeLogin, code)
	s.Metrics.OTPResult("verify", string(otp.PurposeLogin), err)
	if err != nil {
		l.Info("verify_failed", "reason", metrics.Outcome(err))
		s.record(ctx, audit.Event{Action: audit.ActionLoginStepUp, Success: false, Reason: metrics.Outcome(err)})
		return nil, err
	}

	user, err := s.Users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	fail := func(err error, reason string) (*TokenPair, error) {
		l.Warn("verify_failed", "reason", reason, "user_id", user.ID)
		s.record(ctx, audit.Event{Action: audit.ActionLoginStepUp, PrincipalID: user.ID.String(), Role: user.Role, Success: false, Reason: reason})
		return nil, err
	}
	if !user.CanAuthenticate() {
		return fail(autherr.ErrAccountBlocked, "blocked")
	}
	if user.PasswordHash == "" {
		return fail(autherr.ErrCredentialsUnrecoverable, "credentials_unrecoverable")
	}

	pair, err := s.issue(ctx, user, "step_up")
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Action: audit.ActionLoginStepUp, PrincipalID: user.ID.String(), Role: user.Role, Success: true})
	return pair, nil
}

// RequestOTP re-sends a signup or reset code. Unknown and blocked identities get the same answer as known ones.
// Login codes are only sent by Login, after the password has been checked.
func (s *AuthService) RequestOTP(ctx context.Context, email string, purpose otp.Purpose) error {
	if purpose == otp.PurposeLogin {
		return fmt.Errorf("%w: login codes are sent by the login endpoint", ErrValidation)
	}
	if _, err := otp.ParsePurpose(string(purpose)); err != nil {
		return err
	}

	user, err := s.Users.GetUserByEmail(ctx, email)
	if errors.Is(err, autherr.ErrPrincipalNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !user.CanAuthenticate() {
		return nil
	}

	switch purpose {
	case otp.PurposeSignup:
		if user.Verified {
			return nil
		}
	case otp.PurposeReset:
		if user.PasswordHash != "" {
			return nil
		}
	}

	err = s.OTP.Request(ctx, user.Email, purpose)
	s.Metrics.OTPResult("request", string(purpose), err)
	s.record(ctx, audit.Event{Action: audit.ActionOTPRequest, PrincipalID: user.ID.String(), Success: err == nil, Metadata: map[string]string{"purpose": string(purpose)}})
	return err
}

// CompleteReset sets a new password after an admin-initiated reset and ends any open session.
func (s *AuthService) CompleteReset(ctx context.Context, email, code, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}

	err := s.OTP.Verify(ctx, email, otp.PurposeReset, code)
	s.Metrics.OTPResult("verify", string(otp.PurposeReset), err)
	if err != nil {
		return err
	}

	user, err := s.Users.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	pwHash, err := hash.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.Users.SetPasswordHash(ctx, user.ID, pwHash); err != nil {
		return err
	}
	if !user.Verified {
		if err := s.Users.MarkVerified(ctx, user.ID); err != nil {
			return err
		}
	}
	s.record(ctx, audit.Event{Action: audit.ActionCredentialsReset, PrincipalID: user.ID.String(), Success: true, Reason: "completed"})
	return s.Tokens.RevokePrincipal(ctx, user.ID)
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := s.Tokens.Rotate(ctx, refreshToken)
	if err != nil {
		s.record(ctx, audit.Event{Action: audit.ActionRefresh, Success: false, Reason: metrics.Outcome(err)})
		return nil, err
	}
	s.record(ctx, audit.Event{Action: audit.ActionRefresh, PrincipalID: pair.PrincipalID.String(), Role: pair.Role, Success: true})
	return pair, nil
}

func (s *AuthService) LogOut(ctx context.Context, refreshToken string) error {
	if err := s.Tokens.Revoke(ctx, refreshToken); err != nil {
		logging.FromContext(ctx).Error("logout_failed", "err", err)
		return err
	}
	s.record(ctx, audit.Event{Action: audit.ActionLogout, Success: true})
	return nil
}

func (s *AuthService) Me(ctx context.Context, id uuid.UUID) (*Profile, error) {
	user, err := s.Users.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	resolver := s.Resolver
	if resolver == nil {
		resolver = rbac.NewResolver(nil)
	}
	perms, source := resolver.Resolve(ctx, user)
	return &Profile{User: user, Permissions: perms.List(), PermissionSource: source}, nil
}

func (s *AuthService) issue(ctx context.Context, user *models.User, reason string) (*TokenPair, error) {
	pair, err := s.Tokens.IssueTokenPair(ctx, user, reason)
	if err != nil {
		logging.FromContext(ctx).Error("token_issue_failed", "user_id", user.ID, "err", err)
		return nil, err
	}
	now := s.clock()
	if err := s.Users.TouchLastLogin(ctx, user.ID, now); err != nil {
		logging.FromContext(ctx).Warn("last_login_update_failed", "user_id", user.ID, "err", err)
	} else {
		user.LastLoginAt = &now
	}
	return pair, nil
}
