package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"agent-spend-authorizer/internal/models"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	categoryRegex = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	currencyRegex = regexp.MustCompile(`^[a-z]{3}$`)
)

const (
	maxIdentifierLength   = 128
	maxMerchantNameLength = 256
	maxAmount             = int64(100_000_000_00)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NormalizeAuthorizationRequest sanitises free-text fields in place so that
// merchant names and categories compare consistently across events.
func NormalizeAuthorizationRequest(req *models.AuthorizationRequest) {
	req.CorrelationID = SanitizeString(req.CorrelationID)
	req.CardID = SanitizeString(req.CardID)
	req.Currency = strings.ToLower(SanitizeString(req.Currency))
	req.MerchantName = SanitizeString(req.MerchantName)
	req.MerchantCategory = NormalizeCategory(req.MerchantCategory)
}

func ValidateAuthorizationRequest(req models.AuthorizationRequest) error {
	if err := validateIdentifier(req.CorrelationID, "authorization_id"); err != nil {
		return err
	}

	if err := validateIdentifier(req.CardID, "card_id"); err != nil {
		return err
	}

	if req.Amount <= 0 {
		return &ValidationError{
			Field:   "amount",
			Message: "must be a positive integer in minor units",
		}
	}

	if req.Amount > maxAmount {
		return &ValidationError{
			Field:   "amount",
			Message: "exceeds maximum allowed amount",
		}
	}

	if req.Currency != "" && !currencyRegex.MatchString(req.Currency) {
		return &ValidationError{
			Field:   "currency",
			Message: "must be a 3-letter ISO code",
		}
	}

	if len(req.MerchantName) > maxMerchantNameLength {
		return &ValidationError{
			Field:   "merchant_name",
			Message: fmt.Sprintf("cannot exceed %d characters", maxMerchantNameLength),
		}
	}

	if err := validateCategory(req.MerchantCategory, "merchant_category"); err != nil {
		return err
	}

	return nil
}

// ValidateAgent checks the collaborator-owned agent fields the engine relies on.
func ValidateAgent(agent models.Agent) error {
	if err := validateIdentifier(agent.ID, "id"); err != nil {
		return err
	}
	if err := validateIdentifier(agent.OrganizationID, "organization_id"); err != nil {
		return err
	}
	if agent.MonthlyBudget < 0 {
		return &ValidationError{Field: "monthly_budget", Message: "must be non-negative"}
	}
	if agent.Status != "" && !agent.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", agent.Status)}
	}
	for name, limit := range map[string]*int64{
		"soft_limit_per_minute": agent.SoftLimitPerMinute,
		"hard_limit_per_minute": agent.HardLimitPerMinute,
		"soft_limit_per_day":    agent.SoftLimitPerDay,
		"hard_limit_per_day":    agent.HardLimitPerDay,
	} {
		if limit != nil && *limit < 0 {
			return &ValidationError{Field: name, Message: "must be non-negative"}
		}
	}
	for i, c := range agent.AllowedMerchantCategories {
		if err := validateCategory(NormalizeCategory(c), fmt.Sprintf("allowed_merchant_categories[%d]", i)); err != nil {
			return err
		}
	}
	for i, c := range agent.BlockedMerchantCategories {
		if err := validateCategory(NormalizeCategory(c), fmt.Sprintf("blocked_merchant_categories[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func ValidateCard(card models.Card) error {
	if err := validateIdentifier(card.ID, "id"); err != nil {
		return err
	}
	if err := validateIdentifier(card.AgentID, "agent_id"); err != nil {
		return err
	}
	return validateIdentifier(card.OrganizationID, "organization_id")
}

// SanitizeString strips control characters, applies NFC normalisation and trims.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(norm.NFC.String(s))
}

// NormalizeCategory lower-cases and sanitises a merchant category code.
func NormalizeCategory(c string) string {
	return strings.ToLower(SanitizeString(c))
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

func validateIdentifier(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}
	if len(id) > maxIdentifierLength {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("cannot exceed %d characters", maxIdentifierLength),
		}
	}
	return nil
}

func validateCategory(category, fieldName string) error {
	if category == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if !categoryRegex.MatchString(category) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be lowercase letters, digits or underscores",
		}
	}

	return nil
}
