package employee

import "time"

// Role classifies law-office staff. Authorization policy (who may log time
// against which case, who may run repairs) lives outside this repo; the role
// only travels in tokens so ops tooling can attribute actions.
type Role string

const (
	RoleAttorney  Role = "attorney"
	RoleParalegal Role = "paralegal"
	RoleAdmin     Role = "admin"
)

// Employee is the domain representation of a staff member. It mirrors the
// employees table and carries no JSON annotations so it can be reused by
// different presentation layers.
type Employee struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	BarNumber    *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FullName  string `json:"full_name"`
	BarNumber string `json:"bar_number,omitempty"`
	Role      Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult bundles the token and the employee returned after login.
type LoginResult struct {
	Token    string
	Employee Employee
}
