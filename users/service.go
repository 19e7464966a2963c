package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/logger"
)

// ErrInvalidUser is returned for registration input that fails validation.
var ErrInvalidUser = errors.New("invalid user")

const minPasswordLen = 6

// validate applies the same tags the HTTP request DTOs carry.
var validate = validator.New(validator.WithRequiredStructEnabled())

// TokenIssuer mints the bearer token handed out on login.
type TokenIssuer interface {
	Mint(userID string, accountID ledger.AccountID) (string, error)
}

type RegisterInput struct {
	Name     string `validate:"required"`
	Email    string `validate:"required,email"`
	Password string `validate:"min=6"`
}

// Session is a successful login.
type Session struct {
	User  User
	Token string
}

type Service struct {
	repo     Repository
	accounts ledger.AccountStore
	tokens   TokenIssuer
	params   HashParams
	now      func() time.Time
	log      *logger.Logger
}

type Option func(*Service)

func WithHashParams(p HashParams) Option { return func(s *Service) { s.params = p } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(l *logger.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(repo Repository, accounts ledger.AccountStore, tokens TokenIssuer, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		accounts: accounts,
		tokens:   tokens,
		params:   DefaultHashParams,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a user and opens the ledger account they operate. The
// account shares the user's ID.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateRegistration(in); err != nil {
		return User{}, err
	}

	if _, err := s.repo.UserByEmail(ctx, in.Email); err == nil {
		return User{}, fmt.Errorf("%w: %s", ErrEmailTaken, in.Email)
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, fmt.Errorf("looking up email: %w", err)
	}

	hash, err := HashPassword(in.Password, s.params)
	if err != nil {
		return User{}, fmt.Errorf("hashing password: %w", err)
	}

	now := s.now()
	u := User{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hash,
		CreatedAt:    now,
	}
	u.AccountID = ledger.AccountID(u.ID)

	// An email race can leave an empty account behind. It holds no
	// movements and no user can reach it.
	if err := s.accounts.OpenAccount(ctx, ledger.Account{ID: u.AccountID, CreatedAt: now}); err != nil {
		return User{}, fmt.Errorf("opening account: %w", err)
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return User{}, err
	}

	s.log.Info(s.log.WithAccountID(ctx, string(u.AccountID)), "user registered")
	return u, nil
}

// Authenticate checks credentials and returns a session with a fresh token.
// Unknown emails and wrong passwords are indistinguishable.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Session, error) {
	u, err := s.repo.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrUserNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("looking up user: %w", err)
	}

	ok, err := VerifyPassword(password, u.PasswordHash)
	if err != nil {
		return Session{}, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return Session{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Mint(u.ID, u.AccountID)
	if err != nil {
		return Session{}, fmt.Errorf("minting token: %w", err)
	}
	return Session{User: u, Token: token}, nil
}

func (s *Service) Profile(ctx context.Context, id string) (User, error) {
	return s.repo.UserByID(ctx, id)
}

func validateRegistration(in RegisterInput) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Name":
			problems = append(problems, "name is required")
		case "Email":
			problems = append(problems, "email is invalid")
		case "Password":
			problems = append(problems, fmt.Sprintf("password must be at least %d characters", minPasswordLen))
		default:
			problems = append(problems, fe.Error())
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidUser, strings.Join(problems, "; "))
}
