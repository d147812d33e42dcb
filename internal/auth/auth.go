package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tsubotan1985/clads-llm-bridge/internal/models"
	"github.com/tsubotan1985/clads-llm-bridge/internal/secret"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultTokenExpiry bounds admin session tokens.
const DefaultTokenExpiry = 24 * time.Hour

// ErrInvalidCredentials indicates a failed password or token check.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service manages the singleton admin credential row and session tokens.
type Service struct {
	db     *gorm.DB
	expiry time.Duration
}

// NewService constructs the auth service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, expiry: DefaultTokenExpiry}
}

// Seed creates the credential row on first start. When no initial password
// is supplied a random one is generated and logged once so the install is
// reachable.
func (s *Service) Seed(ctx context.Context, initialPassword string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("auth: service not initialized")
	}

	var existing models.AuthConfig
	errFind := s.db.WithContext(ctx).First(&existing, 1).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("auth: load credential row: %w", errFind)
	}

	password := strings.TrimSpace(initialPassword)
	if password == "" {
		generated, errToken := secret.RandomToken(12)
		if errToken != nil {
			return fmt.Errorf("auth: generate password: %w", errToken)
		}
		password = generated
		log.Warnf("auth: INITIAL_PASSWORD not set, generated admin password: %s", password)
	}

	hash, errHash := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errHash != nil {
		return fmt.Errorf("auth: hash password: %w", errHash)
	}
	sessionSecret, errSecret := secret.RandomToken(32)
	if errSecret != nil {
		return fmt.Errorf("auth: generate session secret: %w", errSecret)
	}

	row := models.AuthConfig{
		ID:            1,
		PasswordHash:  string(hash),
		SessionSecret: sessionSecret,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("auth: seed credential row: %w", errCreate)
	}
	return nil
}

// Login verifies the admin password and issues a session token.
func (s *Service) Login(ctx context.Context, password string) (string, error) {
	row, errLoad := s.load(ctx)
	if errLoad != nil {
		return "", errLoad
	}
	if errCompare := bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)); errCompare != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
	}
	token, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(row.SessionSecret))
	if errSign != nil {
		return "", fmt.Errorf("auth: sign token: %w", errSign)
	}
	return token, nil
}

// Verify checks a session token.
func (s *Service) Verify(ctx context.Context, token string) error {
	row, errLoad := s.load(ctx)
	if errLoad != nil {
		return errLoad
	}
	parsed, errParse := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(row.SessionSecret), nil
	})
	if errParse != nil || !parsed.Valid {
		return ErrInvalidCredentials
	}
	return nil
}

// Middleware guards admin routes with a bearer session token.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if errVerify := s.Verify(c.Request.Context(), strings.TrimSpace(token)); errVerify != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Next()
	}
}

// load fetches the singleton credential row.
func (s *Service) load(ctx context.Context) (models.AuthConfig, error) {
	if s == nil || s.db == nil {
		return models.AuthConfig{}, fmt.Errorf("auth: service not initialized")
	}
	var row models.AuthConfig
	if errFind := s.db.WithContext(ctx).First(&row, 1).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.AuthConfig{}, ErrInvalidCredentials
		}
		return models.AuthConfig{}, fmt.Errorf("auth: load credential row: %w", errFind)
	}
	return row, nil
}
