package link

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/linkpulse/linkpulse/codegen"
	"github.com/linkpulse/linkpulse/internal/audit"
	"github.com/linkpulse/linkpulse/internal/errx"
	"github.com/linkpulse/linkpulse/internal/idgen"
)

const (
	DefaultCodeLength     = 7
	MaxCodeLength         = 64
	MinCodeLength         = 3
	DefaultCodeMaxRetries = 3
)

// DestinationSpec describes one waterfall entry in a create/update request.
type DestinationSpec struct {
	URL      string
	Retailer string
	Priority int
}

// CreateLinkRequest represents the parameters for creating a SmartLink.
type CreateLinkRequest struct {
	AccountID    uuid.UUID
	CustomCode   string // optional: generated when empty
	AutoFallback bool
	Destinations []DestinationSpec
}

// Service defines the business operations on SmartLinks.
type Service interface {
	Create(ctx context.Context, req CreateLinkRequest) (SmartLink, error)
	GetByCode(ctx context.Context, code string) (SmartLink, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]SmartLink, error)
	ReplaceDestinations(ctx context.Context, code string, specs []DestinationSpec) (SmartLink, error)
	Deactivate(ctx context.Context, code string) error

	// AuditTargets flattens an account's active links into the targets
	// the audit scheduler consumes.
	AuditTargets(ctx context.Context, accountID uuid.UUID) ([]audit.Target, error)
}

type service struct {
	repo           Repository
	codeGenerator  codegen.Generator
	ids            idgen.Generator
	codeLength     int
	codeMaxRetries int
}

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	CodeGenerator  codegen.Generator
	IDGenerator    idgen.Generator
	CodeLength     int
	CodeMaxRetries int // attempts when generating a unique code (default: 3)
}

// NewService creates a new service instance.
func NewService(repo Repository, config *ServiceConfig) Service {
	if config == nil {
		config = &ServiceConfig{}
	}

	codeGen := config.CodeGenerator
	if codeGen == nil {
		codeGen = codegen.NewRandom()
	}

	ids := config.IDGenerator
	if ids == nil {
		ids = idgen.NewV7()
	}

	codeLength := config.CodeLength
	if codeLength < MinCodeLength || codeLength > MaxCodeLength {
		codeLength = DefaultCodeLength
	}

	retries := config.CodeMaxRetries
	if retries <= 0 {
		retries = DefaultCodeMaxRetries
	}

	return &service{
		repo:           repo,
		codeGenerator:  codeGen,
		ids:            ids,
		codeLength:     codeLength,
		codeMaxRetries: retries,
	}
}

// Create creates a new SmartLink with an optional custom short code.
func (s *service) Create(ctx context.Context, req CreateLinkRequest) (SmartLink, error) {
	const op = "link.service.Create"

	if req.AccountID == uuid.Nil {
		return SmartLink{}, errx.E(op, errx.Invalid, errors.New("account id is required"))
	}

	dests, err := s.buildDestinations(req.Destinations)
	if err != nil {
		return SmartLink{}, errx.E(op, errx.Invalid, err)
	}

	id, err := s.ids.Generate()
	if err != nil {
		return SmartLink{}, errx.E(op, errx.Unavailable, err)
	}

	base := SmartLink{
		ID:           id,
		AccountID:    req.AccountID,
		AutoFallback: req.AutoFallback,
		Active:       true,
		Destinations: dests,
	}

	// Custom code path: validate and create once.
	if req.CustomCode != "" {
		if err := validateCode(req.CustomCode); err != nil {
			return SmartLink{}, errx.E(op, errx.Invalid, err)
		}
		base.Code = req.CustomCode

		created, err := s.repo.Create(ctx, base)
		if err != nil {
			return SmartLink{}, errx.E(op, errx.KindOf(err), err)
		}
		return created, nil
	}

	// Generated code path: retry on conflicts.
	for range s.codeMaxRetries {
		code, err := s.codeGenerator.Generate(s.codeLength)
		if err != nil {
			return SmartLink{}, errx.E(op, errx.Unavailable, err)
		}
		base.Code = code

		created, err := s.repo.Create(ctx, base)
		if err == nil {
			return created, nil
		}
		if errx.KindOf(err) != errx.Conflict {
			return SmartLink{}, errx.E(op, errx.KindOf(err), err)
		}
	}

	return SmartLink{}, errx.E(op, errx.Unavailable,
		errors.New("could not generate unique code after retries"))
}

func (s *service) GetByCode(ctx context.Context, code string) (SmartLink, error) {
	const op = "link.service.GetByCode"

	if code == "" {
		return SmartLink{}, errx.E(op, errx.Invalid, errors.New("code cannot be empty"))
	}

	l, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return SmartLink{}, errx.E(op, errx.KindOf(err), err)
	}
	return l, nil
}

func (s *service) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]SmartLink, error) {
	const op = "link.service.ListByAccount"

	if accountID == uuid.Nil {
		return nil, errx.E(op, errx.Invalid, errors.New("account id is required"))
	}

	links, err := s.repo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}
	return links, nil
}

// ReplaceDestinations swaps a link's waterfall for a new one, revalidating
// the ordering invariants.
func (s *service) ReplaceDestinations(ctx context.Context, code string, specs []DestinationSpec) (SmartLink, error) {
	const op = "link.service.ReplaceDestinations"

	l, err := s.GetByCode(ctx, code)
	if err != nil {
		return SmartLink{}, err
	}

	dests, err := s.buildDestinations(specs)
	if err != nil {
		return SmartLink{}, errx.E(op, errx.Invalid, err)
	}
	for i := range dests {
		dests[i].LinkID = l.ID
	}

	updated, err := s.repo.ReplaceDestinations(ctx, l.ID, dests)
	if err != nil {
		return SmartLink{}, errx.E(op, errx.KindOf(err), err)
	}
	return updated, nil
}

// Deactivate soft-disables a link. Click history survives; the code stops
// resolving.
func (s *service) Deactivate(ctx context.Context, code string) error {
	const op = "link.service.Deactivate"

	if code == "" {
		return errx.E(op, errx.Invalid, errors.New("code cannot be empty"))
	}

	if err := s.repo.Deactivate(ctx, code); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	return nil
}

func (s *service) AuditTargets(ctx context.Context, accountID uuid.UUID) ([]audit.Target, error) {
	const op = "link.service.AuditTargets"

	links, err := s.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var targets []audit.Target
	for _, l := range links {
		if !l.Active {
			continue
		}
		for _, d := range l.Destinations {
			targets = append(targets, audit.Target{
				LinkID:        l.ID,
				DestinationID: d.ID,
				URL:           d.URL,
			})
		}
	}

	if len(targets) == 0 {
		return nil, errx.E(op, errx.NotFound, errors.New("account has no destinations to audit"))
	}
	return targets, nil
}

// buildDestinations validates specs and assigns IDs. Specs must already
// be ordered by priority ascending; the waterfall order is part of the
// request contract.
func (s *service) buildDestinations(specs []DestinationSpec) ([]Destination, error) {
	dests := make([]Destination, 0, len(specs))
	for _, spec := range specs {
		id, err := s.ids.Generate()
		if err != nil {
			return nil, err
		}
		dests = append(dests, Destination{
			ID:       id,
			URL:      spec.URL,
			Retailer: spec.Retailer,
			Priority: spec.Priority,
		})
	}

	if err := validateDestinations(dests); err != nil {
		return nil, err
	}
	return dests, nil
}

func validateCode(code string) error {
	if code == "" {
		return errors.New("code cannot be empty")
	}
	if len(code) < MinCodeLength {
		return errors.New("code too short (minimum 3 characters)")
	}
	if len(code) > MaxCodeLength {
		return errors.New("code too long (maximum 64 characters)")
	}

	if strings.HasPrefix(code, "-") || strings.HasPrefix(code, "_") ||
		strings.HasSuffix(code, "-") || strings.HasSuffix(code, "_") {
		return errors.New("code cannot start or end with dash or underscore")
	}

	for _, char := range code {
		if !isValidCodeChar(char) {
			return errors.New("code contains invalid characters (only alphanumeric, dash, and underscore allowed)")
		}
	}
	return nil
}

func isValidCodeChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	default:
		return false
	}
}
