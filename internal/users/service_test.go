package users_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetbridge/fleetbridge/internal/users"
)

type tokenRecord struct {
	userID    uuid.UUID
	tokenType string
	expiresAt time.Time
	usedAt    *time.Time
}

type stubUserRepo struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*users.User
	byEmail    map[string]uuid.UUID
	oauthLinks map[string]uuid.UUID // "provider:providerID" -> userID
	tokens     map[string]*tokenRecord
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{
		byID:       make(map[uuid.UUID]*users.User),
		byEmail:    make(map[string]uuid.UUID),
		oauthLinks: make(map[string]uuid.UUID),
		tokens:     make(map[string]*tokenRecord),
	}
}

func (r *stubUserRepo) Create(_ context.Context, u *users.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[u.Email]; exists {
		return users.ErrDuplicateEmail
	}
	u.ID = uuid.New()
	u.CustomerID = u.ID
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	cp := *u
	r.byID[u.ID] = &cp
	r.byEmail[u.Email] = u.ID
	return nil
}

func (r *stubUserRepo) GetByID(_ context.Context, id uuid.UUID) (*users.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *stubUserRepo) GetByEmail(_ context.Context, email string) (*users.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, users.ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *stubUserRepo) GetByOAuth(_ context.Context, provider, providerID string) (*users.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.oauthLinks[provider+":"+providerID]
	if !ok {
		return nil, users.ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *stubUserRepo) LinkOAuth(_ context.Context, userID uuid.UUID, provider, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oauthLinks[provider+":"+providerID] = userID
	return nil
}

func (r *stubUserRepo) SetEmailVerified(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[userID]; ok {
		u.EmailVerified = true
	}
	return nil
}

func (r *stubUserRepo) SetPasswordHash(_ context.Context, userID uuid.UUID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[userID]; ok {
		u.PasswordHash = hash
	}
	return nil
}

func (r *stubUserRepo) SetTimezone(_ context.Context, userID uuid.UUID, tz string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[userID]; ok {
		u.Timezone = tz
	}
	return nil
}

func (r *stubUserRepo) CreateVerificationToken(_ context.Context, userID uuid.UUID, token string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = &tokenRecord{userID: userID, tokenType: "email_verification", expiresAt: expires}
	return nil
}

func (r *stubUserRepo) CreatePasswordResetToken(_ context.Context, userID uuid.UUID, token string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = &tokenRecord{userID: userID, tokenType: "password_reset", expiresAt: expires}
	return nil
}

func (r *stubUserRepo) useToken(token, tokenType string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tokens[token]
	if !ok || rec.tokenType != tokenType {
		return uuid.Nil, users.ErrNotFound
	}
	if rec.usedAt != nil || time.Now().After(rec.expiresAt) {
		return uuid.Nil, users.ErrNotFound
	}
	now := time.Now()
	rec.usedAt = &now
	return rec.userID, nil
}

func (r *stubUserRepo) UseVerificationToken(ctx context.Context, token string) (*users.User, error) {
	userID, err := r.useToken(token, "email_verification")
	if err != nil {
		return nil, err
	}
	_ = r.SetEmailVerified(ctx, userID)
	return r.GetByID(ctx, userID)
}

func (r *stubUserRepo) UsePasswordResetToken(ctx context.Context, token string) (*users.User, error) {
	userID, err := r.useToken(token, "password_reset")
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, userID)
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *recordingMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func newTestService(t *testing.T) (*users.Service, *stubUserRepo, *recordingMailer) {
	t.Helper()
	repo := newStubUserRepo()
	mailer := &recordingMailer{}
	svc := users.NewService(repo, mailer, "https://portal.example.com", zap.NewNop())
	return svc, repo, mailer
}

func TestSignup_createsUserAndSendsVerification(t *testing.T) {
	svc, _, mailer := newTestService(t)

	u, token, err := svc.Signup(context.Background(), "alice@example.com", "s3cretpass", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if u.ID == uuid.Nil || u.CustomerID == uuid.Nil {
		t.Fatal("signup must assign user and customer ids")
	}
	if u.DisplayName != "alice" {
		t.Fatalf("display name = %q, want local part of email", u.DisplayName)
	}
	if u.EmailVerified {
		t.Fatal("new password accounts start unverified")
	}
	if token == "" {
		t.Fatal("expected a raw verification token")
	}
	if mailer.count() != 1 {
		t.Fatalf("sent %d emails, want 1", mailer.count())
	}
	if !strings.Contains(mailer.last().body, token) {
		t.Fatal("verification email must contain the token link")
	}
}

func TestSignup_shortPasswordRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, _, err := svc.Signup(context.Background(), "bob@example.com", "short", ""); err == nil {
		t.Fatal("passwords under 8 characters must be rejected")
	}
}

func TestSignup_duplicateEmail(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, _, err := svc.Signup(context.Background(), "carol@example.com", "s3cretpass", ""); err != nil {
		t.Fatalf("first signup: %v", err)
	}
	_, _, err := svc.Signup(context.Background(), "carol@example.com", "otherpass99", "")
	if err != users.ErrDuplicateEmail {
		t.Fatalf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestLogin_verifiesPassword(t *testing.T) {
	svc, _, _ := newTestService(t)

	u, _, err := svc.Signup(context.Background(), "dave@example.com", "s3cretpass", "Dave")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	got, err := svc.Login(context.Background(), "dave@example.com", "s3cretpass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID {
		t.Fatal("login returned the wrong user")
	}

	if _, err := svc.Login(context.Background(), "dave@example.com", "wrongpass1"); err == nil {
		t.Fatal("wrong password must fail")
	}
	if _, err := svc.Login(context.Background(), "nobody@example.com", "s3cretpass"); err == nil {
		t.Fatal("unknown email must fail")
	}
}

func TestVerifyEmail_consumesToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, token, err := svc.Signup(context.Background(), "erin@example.com", "s3cretpass", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	u, err := svc.VerifyEmail(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if !u.EmailVerified {
		t.Fatal("email must be verified after consuming the token")
	}

	if _, err := svc.VerifyEmail(context.Background(), token); err == nil {
		t.Fatal("a verification token is single-use")
	}
}

func TestGetOrCreateFromOAuth_linksExistingByEmail(t *testing.T) {
	svc, repo, _ := newTestService(t)

	orig, _, err := svc.Signup(context.Background(), "frank@example.com", "s3cretpass", "Frank")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	u, created, err := svc.GetOrCreateFromOAuth(context.Background(), "github", "12345", "frank@example.com", "frankdev")
	if err != nil {
		t.Fatalf("GetOrCreateFromOAuth: %v", err)
	}
	if created {
		t.Fatal("must link the existing account, not create a new one")
	}
	if u.ID != orig.ID {
		t.Fatal("linked the wrong account")
	}

	// Social login implies a provider-verified email.
	stored, _ := repo.GetByID(context.Background(), orig.ID)
	if !stored.EmailVerified {
		t.Fatal("linking a social identity must mark the email verified")
	}

	// Second login resolves via the provider link.
	again, created, err := svc.GetOrCreateFromOAuth(context.Background(), "github", "12345", "frank@example.com", "frankdev")
	if err != nil || created || again.ID != orig.ID {
		t.Fatalf("repeat oauth login: user=%v created=%v err=%v", again, created, err)
	}
}

func TestGetOrCreateFromOAuth_createsNewVerifiedUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	u, created, err := svc.GetOrCreateFromOAuth(context.Background(), "google", "g-987", "grace@example.com", "Grace")
	if err != nil {
		t.Fatalf("GetOrCreateFromOAuth: %v", err)
	}
	if !created {
		t.Fatal("expected a new account")
	}
	if !u.EmailVerified {
		t.Fatal("provider-asserted emails are verified on creation")
	}
	if u.PasswordHash != "" {
		t.Fatal("social accounts carry no password hash")
	}
}

func TestForgotPassword_silentOnUnknownEmail(t *testing.T) {
	svc, _, mailer := newTestService(t)

	if err := svc.ForgotPassword(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("ForgotPassword must stay silent on unknown emails: %v", err)
	}
	if mailer.count() != 0 {
		t.Fatal("no email should be sent for unknown accounts")
	}
}

func TestResetPassword_roundTrip(t *testing.T) {
	svc, repo, mailer := newTestService(t)

	u, _, err := svc.Signup(context.Background(), "heidi@example.com", "originalpass", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	if err := svc.ForgotPassword(context.Background(), "heidi@example.com"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	if mailer.count() != 2 { // verification + reset
		t.Fatalf("sent %d emails, want 2", mailer.count())
	}

	// Pull the raw token out of the reset email link.
	body := mailer.last().body
	idx := strings.Index(body, "token=")
	if idx < 0 {
		t.Fatal("reset email must carry a token link")
	}
	token := strings.Fields(body[idx+len("token="):])[0]

	if err := svc.ResetPassword(context.Background(), token, "brandnewpass"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	stored, _ := repo.GetByID(context.Background(), u.ID)
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("brandnewpass")); err != nil {
		t.Fatal("stored hash must match the new password")
	}

	if err := svc.ResetPassword(context.Background(), token, "anotherpass1"); err == nil {
		t.Fatal("a reset token is single-use")
	}
}

func TestResendVerification_skipsVerifiedAccounts(t *testing.T) {
	svc, _, mailer := newTestService(t)

	_, token, err := svc.Signup(context.Background(), "ivan@example.com", "s3cretpass", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, err := svc.VerifyEmail(context.Background(), token); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	before := mailer.count()
	if err := svc.ResendVerificationByEmail(context.Background(), "ivan@example.com"); err != nil {
		t.Fatalf("ResendVerificationByEmail: %v", err)
	}
	if mailer.count() != before {
		t.Fatal("verified accounts must not get another verification email")
	}
}
