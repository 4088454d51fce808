package user

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/auth"
)

// ErrInvalidCredentials is returned by Authenticate for an unknown email or a
// wrong password. The two cases are indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("invalid email or password")

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// User is a registered storefront account.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Phone        string
	Role         auth.Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity returns the session identity of the user.
func (u *User) Identity() auth.Identity {
	return auth.Identity{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.Name,
		Role:   u.Role,
	}
}

// Registration holds sign-up input.
type Registration struct {
	Name     string
	Email    string
	Password string
	Phone    string
	Role     auth.Role
}

func (r *Registration) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Phone = strings.TrimSpace(r.Phone)
	if r.Role == "" {
		r.Role = auth.RoleCustomer
	}
}

// Validate checks registration input after normalization.
func (r *Registration) Validate() error {
	if len(r.Name) < 2 {
		return apperr.Invalid("name", "must be at least 2 characters")
	}
	if !emailRe.MatchString(r.Email) {
		return apperr.Invalid("email", "invalid email address")
	}
	if len(r.Password) < 6 {
		return apperr.Invalid("password", "must be at least 6 characters")
	}
	if _, ok := auth.ParseRole(string(r.Role)); !ok {
		return apperr.Invalid("role", "must be customer or admin")
	}
	return nil
}

// Repository persists user accounts. Create returns *apperr.ConflictError when
// the email is already registered; lookups return *apperr.NotFoundError.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]User, error)
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Service implements registration and login.
type Service struct {
	users  Repository
	hasher PasswordHasher
	now    func() time.Time
}

// NewService creates a user Service.
func NewService(users Repository, hasher PasswordHasher) *Service {
	return &Service{users: users, hasher: hasher, now: time.Now}
}

// Register creates a customer account. Self-registration never grants the
// admin role; see CreateAdmin.
func (s *Service) Register(ctx context.Context, r Registration) (*User, error) {
	r.Role = auth.RoleCustomer
	return s.create(ctx, r)
}

// CreateAdmin creates an admin account unless the email is already taken.
// It reports whether a new account was created.
func (s *Service) CreateAdmin(ctx context.Context, r Registration) (*User, bool, error) {
	r.normalize()
	existing, err := s.users.GetByEmail(ctx, r.Email)
	if err == nil {
		return existing, false, nil
	}
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		return nil, false, errors.Wrap(err, "lookup admin")
	}
	r.Role = auth.RoleAdmin
	u, err := s.create(ctx, r)
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func (s *Service) create(ctx context.Context, r Registration) (*User, error) {
	r.normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(r.Password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}

	now := s.now().UTC()
	u := &User{
		ID:           uuid.New().String(),
		Name:         r.Name,
		Email:        r.Email,
		PasswordHash: hash,
		Phone:        r.Phone,
		Role:         r.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, errors.Wrap(err, "create user")
	}
	return u, nil
}

// Authenticate verifies credentials and returns the matching user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Invalid("", "email and password are required")
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		var nf *apperr.NotFoundError
		if errors.As(err, &nf) {
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, "lookup user")
	}
	if err := s.hasher.Compare(u.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// List returns every account.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.users.List(ctx)
}
