package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nbf-stay/smartqr-api/internal/dto"
	"github.com/nbf-stay/smartqr-api/internal/models"
	"github.com/nbf-stay/smartqr-api/internal/repository"
	appErrors "github.com/nbf-stay/smartqr-api/pkg/errors"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// suffixLength at 10 base-36 characters carries ~51.7 bits of entropy,
// comfortably above the 48-bit floor while staying typeable.
const suffixLength = 10

type codeCreator interface {
	Create(ctx context.Context, qr *models.QRCode) error
}

// GeneratorConfig bounds batch creation.
type GeneratorConfig struct {
	BatchLimit     int
	CollisionRetry int
}

// GeneratorService produces batches of unique UNUSED codes.
type GeneratorService struct {
	repo      codeCreator
	validator *validator.Validate
	logger    *zap.Logger
	cfg       GeneratorConfig
}

// NewGeneratorService constructs GeneratorService.
func NewGeneratorService(repo codeCreator, validate *validator.Validate, logger *zap.Logger, cfg GeneratorConfig) *GeneratorService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	if cfg.CollisionRetry <= 0 {
		cfg.CollisionRetry = 5
	}
	return &GeneratorService{repo: repo, validator: validate, logger: logger, cfg: cfg}
}

// Generate creates up to req.Count fresh codes with the given prefix.
// Collisions are redrawn a bounded number of times per unit; a unit that
// exhausts its retries is counted in the response instead of silently
// shrinking the batch.
func (s *GeneratorService) Generate(ctx context.Context, req dto.GenerateRequest) (*dto.GenerateResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid generate payload")
	}
	if req.Count > s.cfg.BatchLimit {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("count exceeds batch limit %d", s.cfg.BatchLimit))
	}
	prefix := strings.ToUpper(strings.TrimSpace(req.Prefix))

	resp := &dto.GenerateResponse{
		Requested: req.Count,
		Codes:     make([]models.QRCode, 0, req.Count),
	}

	for i := 0; i < req.Count; i++ {
		qr, err := s.createOne(ctx, prefix)
		if err != nil {
			if appErrors.FromError(err).Code == appErrors.ErrGenerationExhausted.Code {
				resp.Exhausted++
				continue
			}
			return nil, err
		}
		resp.Codes = append(resp.Codes, *qr)
	}
	resp.Created = len(resp.Codes)

	if resp.Exhausted > 0 {
		s.logger.Sugar().Warnw("code generation under-produced",
			"prefix", prefix, "requested", resp.Requested, "created", resp.Created, "exhausted", resp.Exhausted)
	}
	return resp, nil
}

func (s *GeneratorService) createOne(ctx context.Context, prefix string) (*models.QRCode, error) {
	for attempt := 0; attempt < s.cfg.CollisionRetry; attempt++ {
		suffix, err := randomSuffix()
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to draw code suffix")
		}
		qr := &models.QRCode{Code: prefix + "_" + suffix}
		err = s.repo.Create(ctx, qr)
		if err == nil {
			return qr, nil
		}
		if err == repository.ErrDuplicateCode {
			continue
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist code")
	}
	return nil, appErrors.Clone(appErrors.ErrGenerationExhausted, fmt.Sprintf("exhausted %d collision retries", s.cfg.CollisionRetry))
}

func randomSuffix() (string, error) {
	max := big.NewInt(int64(len(suffixAlphabet)))
	var b strings.Builder
	b.Grow(suffixLength)
	for i := 0; i < suffixLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(suffixAlphabet[n.Int64()])
	}
	return b.String(), nil
}
