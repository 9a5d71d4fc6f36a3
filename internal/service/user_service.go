package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"procurement/internal/apperror"
	"procurement/internal/model"
	"procurement/internal/repository"
)

// DTOs for Request validation
type CreateUserRequest struct {
	Username   string `json:"username" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=6"`
	Role       string `json:"role" binding:"required"`
	Department string `json:"department"`
}

type LoginUserRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      UserResponse `json:"user"`
}

// DTO for returning User without exposing sensitive data (e.g. password)
type UserResponse struct {
	ID         uuid.UUID `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	Department string    `json:"department"`
	CreatedAt  string    `json:"created_at"`
	UpdatedAt  string    `json:"updated_at"`
}

// UserService defines the interface for business logic related to User
type UserService interface {
	CreateUser(ctx context.Context, actor model.Actor, req CreateUserRequest) (*UserResponse, error)
	Login(ctx context.Context, req LoginUserRequest) (*TokenResponse, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*UserResponse, error)
	ListUsers(ctx context.Context, page, limit int) ([]UserResponse, int64, error)
	// EnsureAdmin creates the bootstrap super admin when no user holds the email yet.
	EnsureAdmin(ctx context.Context, username, email, password string) error
}

type userService struct {
	repo      repository.UserRepository
	auditRepo repository.AuditRepository
	secret    []byte
	ttl       time.Duration
	logger    *slog.Logger
}

// NewUserService returns a new instance of UserService
func NewUserService(repo repository.UserRepository, auditRepo repository.AuditRepository, secret string, ttl time.Duration, logger *slog.Logger) UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &userService{
		repo:      repo,
		auditRepo: auditRepo,
		secret:    []byte(secret),
		ttl:       ttl,
		logger:    logger.With("component", "user"),
	}
}

var emailRegex = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)

// Helper: parse model to standard json API response
func mapToResponse(user *model.User) *UserResponse {
	return &UserResponse{
		ID:         user.ID,
		Username:   user.Username,
		Email:      user.Email,
		Role:       user.Role.String(),
		Department: user.Department,
		CreatedAt:  user.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  user.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *userService) CreateUser(ctx context.Context, actor model.Actor, req CreateUserRequest) (*UserResponse, error) {
	if !actor.HasPermission(model.RoleSuperAdmin) {
		return nil, fmt.Errorf("create user requires %s: %w", model.RoleSuperAdmin, apperror.ErrForbidden)
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		return nil, apperror.Validation("role", "must be one of user, supervisor, factory_manager, general_manager, super_admin")
	}
	user, err := s.create(ctx, req.Username, req.Email, req.Password, role, req.Department)
	if err != nil {
		return nil, err
	}

	details, _ := json.Marshal(map[string]string{"role": user.Role.String(), "department": user.Department})
	if err := s.auditRepo.Log(ctx, &model.AuditLog{
		ActorID:    actor.IDPtr(),
		ActorRole:  actorRole(actor),
		Action:     model.ActionCreateUser,
		EntityType: model.EntityUser,
		EntityID:   user.ID.String(),
		EntityName: user.Username,
		Details:    string(details),
	}); err != nil {
		s.logger.Warn("failed to write audit log", "user_id", user.ID, "error", err)
	}
	return mapToResponse(user), nil
}

func (s *userService) create(ctx context.Context, username, email, password string, role model.Role, department string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailRegex.MatchString(email) {
		return nil, apperror.Validation("email", "invalid email format")
	}
	if len(password) < 6 {
		return nil, apperror.Validation("password", "must be at least 6 characters")
	}

	// Double check username/email uniqueness via repo directly
	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return nil, apperror.Validation("username", "already exists")
	}
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, apperror.Validation("email", "already exists")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		Username:   strings.TrimSpace(username),
		Email:      email,
		Password:   string(hashedPassword),
		Role:       role,
		Department: strings.TrimSpace(department),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *userService) Login(ctx context.Context, req LoginUserRequest) (*TokenResponse, error) {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		return nil, fmt.Errorf("invalid email or password: %w", apperror.ErrUnauthorized)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("invalid email or password: %w", apperror.ErrUnauthorized)
	}

	// Generate JWT Token
	expiresAt := time.Now().Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        user.ID.String(),
		"role":       user.Role.String(),
		"department": user.Department,
		"exp":        expiresAt.Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &TokenResponse{
		Token:     tokenString,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		User:      *mapToResponse(user),
	}, nil
}

func (s *userService) GetUserByID(ctx context.Context, id uuid.UUID) (*UserResponse, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return mapToResponse(user), nil
}

func (s *userService) ListUsers(ctx context.Context, page, limit int) ([]UserResponse, int64, error) {
	users, total, err := s.repo.List(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}

	responses := make([]UserResponse, 0, len(users))
	for i := range users {
		responses = append(responses, *mapToResponse(&users[i]))
	}
	return responses, total, nil
}

func (s *userService) EnsureAdmin(ctx context.Context, username, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	_, err := s.repo.GetByEmail(ctx, strings.ToLower(email))
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	if username == "" {
		username = "admin"
	}
	user, err := s.create(ctx, username, email, password, model.RoleSuperAdmin, "")
	if err != nil {
		return err
	}
	s.logger.Info("bootstrap super admin created", "user_id", user.ID, "email", user.Email)
	return nil
}
