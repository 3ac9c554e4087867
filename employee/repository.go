package employee

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the employee does not exist.
	ErrNotFound = errors.New("employee: not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("employee: email already exists")
)

// Repository handles data access for employee identity.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Employee, error)
	GetByEmail(ctx context.Context, email string) (Employee, error)
	GetByID(ctx context.Context, id string) (Employee, error)
}

// CreateParams contains write parameters for creating employees.
type CreateParams struct {
	Email        string
	FullName     string
	PasswordHash string
	BarNumber    *string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed employee repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a new employee with a hashed password.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Employee, error) {
	const insertSQL = `
		INSERT INTO employees (email, full_name, password_hash, bar_number, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, email, full_name, password_hash, bar_number, role, created_at, updated_at
	`

	emp, err := scanEmployee(r.pool.QueryRow(ctx, insertSQL,
		params.Email, params.FullName, params.PasswordHash, params.BarNumber, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Employee{}, ErrDuplicateEmail
		}
		return Employee{}, fmt.Errorf("employee: create: %w", err)
	}

	return emp, nil
}

// GetByEmail retrieves an employee by email address.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Employee, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, bar_number, role, created_at, updated_at
		FROM employees
		WHERE email = $1
	`

	emp, err := scanEmployee(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Employee{}, ErrNotFound
		}
		return Employee{}, fmt.Errorf("employee: get by email: %w", err)
	}
	return emp, nil
}

// GetByID retrieves an employee by id.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Employee, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, bar_number, role, created_at, updated_at
		FROM employees
		WHERE id = $1
	`

	emp, err := scanEmployee(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Employee{}, ErrNotFound
		}
		return Employee{}, fmt.Errorf("employee: get by id: %w", err)
	}
	return emp, nil
}

func scanEmployee(row pgx.Row) (Employee, error) {
	var emp Employee
	err := row.Scan(
		&emp.ID,
		&emp.Email,
		&emp.FullName,
		&emp.PasswordHash,
		&emp.BarNumber,
		&emp.Role,
		&emp.CreatedAt,
		&emp.UpdatedAt,
	)
	if err != nil {
		return Employee{}, err
	}
	return emp, nil
}
