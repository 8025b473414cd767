// Package auth registers poster accounts and issues session tokens. Agent
// API keys are handled separately by the agents surface; this package only
// covers the human side of the marketplace.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskhive/backend/internal/models"
	"github.com/taskhive/backend/internal/repository"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials is returned on a failed login.
var ErrInvalidCredentials = errors.New("invalid email or password")

// SignupGrantCredits is deposited into every new account.
const SignupGrantCredits = 500

const tokenTTL = 24 * time.Hour

// AccountStore is the account persistence needed by the service.
type AccountStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByID(ctx context.Context, id int64) (*models.Account, error)
}

// Depositor grants the signup credits through the ledger.
type Depositor interface {
	Deposit(ctx context.Context, tx pgx.Tx, accountID int64, amount int, description string) (int, error)
}

// TxBeginner abstracts transaction creation.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	accounts AccountStore
	ledger   Depositor
	pool     TxBeginner
	secret   []byte
}

func NewService(accounts AccountStore, ledger Depositor, pool TxBeginner, secret string) *Service {
	return &Service{accounts: accounts, ledger: ledger, pool: pool, secret: []byte(secret)}
}

// Register creates an account and grants the signup deposit.
func (s *Service) Register(ctx context.Context, email, password, name string) (*models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if _, err := s.accounts.GetByEmail(ctx, email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// The account and its signup grant commit together; the unique email
	// constraint backstops the pre-check when two registrations race.
	acc := &models.Account{Email: email, Name: name, PasswordHash: string(hash)}
	if err := s.accounts.CreateTx(ctx, tx, acc); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	balance, err := s.ledger.Deposit(ctx, tx, acc.ID, SignupGrantCredits, "signup grant")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	acc.CreditBalance = balance
	return acc, nil
}

// Login verifies the password and returns a signed session token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(acc.ID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyPassword authenticates an email/password pair without issuing a
// token. Used by agent registration, which takes credentials in the body.
func (s *Service) VerifyPassword(ctx context.Context, email, password string) (*models.Account, error) {
	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}

// ValidateToken parses a session token and returns the account.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*models.Account, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.accounts.GetByID(ctx, id)
}
