package employee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:     "dana@lawoffice.example",
		Password:  "supersafe",
		FullName:  "Dana Katz",
		BarNumber: "IL-48122",
		Role:      RoleAttorney,
	}

	ctx := context.Background()
	emp, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if emp.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, emp.Email)
	}
	if emp.Role != RoleAttorney {
		t.Fatalf("register: expected role %s got %s", RoleAttorney, emp.Role)
	}
	if emp.BarNumber == nil || *emp.BarNumber != req.BarNumber {
		t.Fatalf("register: bar number not persisted: %+v", emp.BarNumber)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Employee.ID != emp.ID {
		t.Fatalf("login: expected employee id %q got %q", emp.ID, resp.Employee.ID)
	}

	tokenID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenID != emp.ID {
		t.Fatalf("verify token: expected %q got %q", emp.ID, tokenID)
	}
	if tokenRole != RoleAttorney {
		t.Fatalf("verify token: expected role %s got %s", RoleAttorney, tokenRole)
	}
}

func TestService_RegisterDefaultsToParalegal(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	emp, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "rotem@lawoffice.example",
		Password: "strongpassword",
		FullName: "Rotem Levi",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if emp.Role != RoleParalegal {
		t.Fatalf("expected default role %s got %s", RoleParalegal, emp.Role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "dana@lawoffice.example",
		Password: "short",
		FullName: "Dana Katz",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "dana@lawoffice.example",
		Password: "strongpassword",
		FullName: "Dana Katz",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@lawoffice.example",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

type fakeRepository struct {
	byEmail map[string]Employee
	byID    map[string]Employee
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Employee),
		byID:    make(map[string]Employee),
		nextID:  1,
	}
}

func (f *fakeRepository) Create(ctx context.Context, params CreateParams) (Employee, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Employee{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("emp-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleParalegal
	}

	emp := Employee{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		BarNumber:    params.BarNumber,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.byEmail[strings.ToLower(emp.Email)] = emp
	f.byID[emp.ID] = emp

	return emp, nil
}

func (f *fakeRepository) GetByEmail(ctx context.Context, email string) (Employee, error) {
	emp, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Employee{}, ErrNotFound
	}
	return emp, nil
}

func (f *fakeRepository) GetByID(ctx context.Context, id string) (Employee, error) {
	emp, ok := f.byID[id]
	if !ok {
		return Employee{}, ErrNotFound
	}
	return emp, nil
}
