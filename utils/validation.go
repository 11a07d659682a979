package utils

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type ValidationErr struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Valid  bool
	Errors []ValidationErr
}

func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors = append(v.Errors, ValidationErr{
		Field:   field,
		Message: message,
	})
}

func (v *ValidationResult) HasErrors() bool {
	return !v.Valid
}

func (v *ValidationResult) Error() string {
	if !v.Valid {
		messages := make([]string, len(v.Errors))
		for i, e := range v.Errors {
			messages[i] = e.Message
		}
		return strings.Join(messages, "; ")
	}
	return ""
}

func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true}
}

func ValidateStringNotEmpty(value, fieldName string) *ValidationResult {
	result := NewValidationResult()
	if strings.TrimSpace(value) == "" {
		result.AddError(fieldName, fieldName+" cannot be empty")
	}
	return result
}

var maxPaymentAmount = decimal.NewFromInt(100000)

// ValidatePaymentAmount accepts positive amounts with at most two decimals.
func ValidatePaymentAmount(value decimal.Decimal, fieldName string) *ValidationResult {
	result := NewValidationResult()
	if !value.IsPositive() {
		result.AddError(fieldName, fieldName+" must be greater than zero")
		return result
	}
	if value.GreaterThan(maxPaymentAmount) {
		result.AddError(fieldName, fieldName+" exceeds maximum ("+maxPaymentAmount.String()+")")
	}
	if !value.Equal(value.Round(2)) {
		result.AddError(fieldName, fieldName+" must have at most two decimal places")
	}
	return result
}

var kickUsernameRegex = regexp.MustCompile(`^@?[A-Za-z0-9_]{1,25}$`)

func ValidateKickUsername(value, fieldName string) *ValidationResult {
	result := NewValidationResult()
	if !kickUsernameRegex.MatchString(strings.TrimSpace(value)) {
		result.AddError(fieldName, fieldName+" must be a valid Kick username")
	}
	return result
}

func ValidateNonNegativeInt(value int, fieldName string) *ValidationResult {
	result := NewValidationResult()
	if value < 0 {
		result.AddError(fieldName, fieldName+" cannot be negative")
	}
	return result
}

// ParseLimit reads a ?limit= query value, falling back to def and capping at max.
func ParseLimit(raw string, def, max int) (int, *ValidationResult) {
	result := NewValidationResult()
	if raw == "" {
		return def, result
	}
	l, err := strconv.Atoi(raw)
	if err != nil || l < 1 {
		result.AddError("limit", "limit must be a positive integer")
		return def, result
	}
	if l > max {
		l = max
	}
	return l, result
}

func ValidateRequest(ctx *gin.Context, validators ...*ValidationResult) bool {
	for _, v := range validators {
		if v.HasErrors() {
			BadRequest(ctx, v.Error())
			return false
		}
	}
	return true
}
