package services

import (
	"context"
	"errors"

	"talktime/internal/config"
	"talktime/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrExhausted          = errors.New("no conversation seconds remaining")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnknownPlan        = errors.New("cannot resolve plan for checkout")
)

// DB is the slice of pgxpool.Pool the service relies on. Kept narrow
// so the transactional paths run under go test against a scripted
// connection.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Service struct {
	pool   DB
	config config.Config
}

func New(pool DB, cfg config.Config) *Service {
	return &Service{pool: pool, config: cfg}
}

func (s *Service) CreateAccount(ctx context.Context, email, password string) (models.Account, error) {
	if email == "" || password == "" {
		return models.Account{}, ErrInvalidRequest
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Account{}, err
	}
	defer tx.Rollback(ctx)

	var account models.Account
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash)
		VALUES ($1, $2)
		RETURNING id, email, password_hash, created_at, updated_at`,
		email, string(passwordHash),
	).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Account{}, ErrEmailTaken
		}
		return models.Account{}, err
	}

	if _, err := s.ensureLedger(ctx, tx, account.ID); err != nil {
		return models.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, err
	}
	return account, nil
}

func (s *Service) GetAccountByID(ctx context.Context, id int64) (models.Account, error) {
	var account models.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM accounts WHERE id = $1`, id,
	).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	return account, err
}

func (s *Service) Authenticate(ctx context.Context, email, password string) (models.Account, error) {
	if email == "" || password == "" {
		return models.Account{}, ErrInvalidCredentials
	}
	var account models.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM accounts WHERE email = $1`, email,
	).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return models.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
