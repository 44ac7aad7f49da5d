package service

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nbf-stay/smartqr-api/internal/dto"
	"github.com/nbf-stay/smartqr-api/internal/models"
	"github.com/nbf-stay/smartqr-api/internal/repository"
	"github.com/nbf-stay/smartqr-api/internal/scanner"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
)

type codeAssigner interface {
	FindByCode(ctx context.Context, code string) (*models.QRCode, error)
	Assign(ctx context.Context, userID, code string) (*repository.AssignOutcome, error)
}

type userReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// AssignmentService binds scanned or typed codes to user accounts. Scan
// and manual entry funnel through the same path; the format check here is
// the authoritative one, client-side filtering is UX only.
type AssignmentService struct {
	repo      codeAssigner
	users     userReader
	validator *validator.Validate
	logger    *zap.Logger
	prefix    string
	pattern   *regexp.Regexp
}

// NewAssignmentService constructs AssignmentService for the given code
// prefix (matched case-insensitively, stored upper-case).
func NewAssignmentService(repo codeAssigner, users userReader, validate *validator.Validate, logger *zap.Logger, prefix string) *AssignmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	pattern := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(prefix) + `_[a-z0-9]+$`)
	return &AssignmentService{repo: repo, users: users, validator: validate, logger: logger, prefix: prefix, pattern: pattern}
}

// Assign validates the candidate, then atomically releases any prior
// binding the user holds and binds the new code. A race lost to another
// agent surfaces as ALREADY_ASSIGNED; the store is untouched for format
// failures.
func (s *AssignmentService) Assign(ctx context.Context, req dto.AssignRequest) (*dto.AssignResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assign payload")
	}

	candidate := scanner.Normalize(req.Code)
	if !s.pattern.MatchString(candidate) {
		return nil, appErrors.Clone(appErrors.ErrInvalidFormat, fmt.Sprintf("expected %s_<token>", s.prefix))
	}
	candidate = s.canonical(candidate)

	user, err := s.users.FindByID(ctx, req.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	existing, err := s.repo.FindByCode(ctx, candidate)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "code not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load code")
	}

	outcome, err := s.repo.Assign(ctx, req.UserID, candidate)
	if err != nil {
		switch {
		case err == repository.ErrCodeTaken:
			if existing.AssignedUserID != nil && *existing.AssignedUserID == req.UserID {
				return nil, appErrors.Clone(appErrors.ErrAlreadyAssigned, "code is already assigned to this account")
			}
			return nil, appErrors.Clone(appErrors.ErrAlreadyAssigned, "code is already assigned")
		case err == sql.ErrNoRows:
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "could not release and bind atomically")
		}
	}

	resp := &dto.AssignResponse{
		Code:     outcome.Bound.Code,
		UserID:   user.ID,
		UserName: user.FullName,
	}
	if outcome.ReleasedCode != nil {
		resp.Released = *outcome.ReleasedCode
	}

	s.logger.Sugar().Infow("code assigned",
		"code", resp.Code, "user_id", user.ID, "released", resp.Released)
	return resp, nil
}

// canonical upper-cases the prefix segment so lookups hit the stored form
// regardless of how the client cased the scan payload.
func (s *AssignmentService) canonical(candidate string) string {
	idx := strings.Index(candidate, "_")
	return strings.ToUpper(candidate[:idx]) + candidate[idx:]
}
