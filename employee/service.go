package employee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("employee: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("employee: password must be at least 8 characters")
)

// Service handles employee identity: registration, login, and the token
// verification the ops tooling uses to attribute repairs to an operator.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// NewService creates a new employee identity service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new employee account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Employee, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("employee: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("employee: hash password: %w", err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleParalegal
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("employee: invalid role %q", role)
	}

	var barNumber *string
	if req.BarNumber != "" {
		barNumber = &req.BarNumber
	}

	emp, err := s.repo.Create(ctx, CreateParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		BarNumber:    barNumber,
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &emp, nil
}

// Login authenticates an employee and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	emp, err := s.repo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(emp.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(emp.ID, emp.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("employee: generate token: %w", err)
	}

	return LoginResult{
		Token:    token,
		Employee: emp,
	}, nil
}

// GetByID retrieves employee information by id.
func (s *Service) GetByID(ctx context.Context, id string) (*Employee, error) {
	emp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &emp, nil
}

// VerifyToken validates a JWT token and returns the employee id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("employee: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		employeeID, ok := claims["employee_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("employee: invalid employee_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("employee: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("employee: invalid role %q in token", roleStr)
		}
		return employeeID, role, nil
	}

	return "", "", fmt.Errorf("employee: invalid token")
}

// generateToken creates a JWT token for the employee.
func (s *Service) generateToken(employeeID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"employee_id": employeeID,
		"role":        role,
		"exp":         time.Now().Add(24 * time.Hour).Unix(),
		"iat":         time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAttorney, RoleParalegal, RoleAdmin:
		return true
	default:
		return false
	}
}
