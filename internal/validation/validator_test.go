package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	v := New()

	tests := []struct {
		email    string
		hasError bool
	}{
		{"test@example.com", false},
		{"user.name+tag@example.co.uk", false},
		{"", true},
		{"invalid-email", true},
		{"@example.com", true},
		{"user@", true},
	}

	for _, tt := range tests {
		err := v.ValidateEmail(tt.email)
		if tt.hasError {
			assert.Error(t, err, "Expected error for email: %s", tt.email)
		} else {
			assert.NoError(t, err, "Expected no error for email: %s", tt.email)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	v := New()

	tests := []struct {
		password string
		hasError bool
	}{
		{"Password123", false},
		{"Pass1", true},       // Too short
		{"password123", true}, // No upper
		{"PASSWORD123", true}, // No lower
		{"Password", true},    // No digit
		{"", true},
	}

	for _, tt := range tests {
		err := v.ValidatePassword(tt.password)
		if tt.hasError {
			assert.Error(t, err, "Expected error for password: %s", tt.password)
		} else {
			assert.NoError(t, err, "Expected no error for password: %s", tt.password)
		}
	}
}

func TestValidateRequired(t *testing.T) {
	v := New()
	assert.NoError(t, v.ValidateRequired("value", "field"))
	assert.Error(t, v.ValidateRequired("", "field"))
	assert.Error(t, v.ValidateRequired("   ", "field"))
}

func TestValidateStringLength(t *testing.T) {
	v := New()
	assert.NoError(t, v.ValidateStringLength("abc", "field", 1, 5))
	assert.Error(t, v.ValidateStringLength("", "field", 1, 5))
	assert.Error(t, v.ValidateStringLength("abcdef", "field", 1, 5))
}

func TestValidateUUID(t *testing.T) {
	v := New()
	assert.NoError(t, v.ValidateUUID(uuid.New(), "field"))
	assert.Error(t, v.ValidateUUID(uuid.Nil, "field"))
}

func TestValidateOneOf(t *testing.T) {
	v := New()
	allowed := []string{"A", "B"}
	assert.NoError(t, v.ValidateOneOf("A", "field", allowed))
	assert.NoError(t, v.ValidateOneOf("", "field", allowed)) // Optional
	assert.Error(t, v.ValidateOneOf("C", "field", allowed))
}

func TestValidationErrors(t *testing.T) {
	ve := &ValidationErrors{}
	assert.False(t, ve.HasErrors())

	ve.Add(nil)
	assert.False(t, ve.HasErrors())

	ve.Add(assert.AnError)
	assert.True(t, ve.HasErrors())
	assert.Equal(t, assert.AnError.Error(), ve.Error())
}

// RPC and message-bus validation tests

func TestValidateMethodName(t *testing.T) {
	v := New()

	tests := []struct {
		name     string
		method   string
		hasError bool
	}{
		{"simple method", "host_getObjects", false},
		{"dotted method", "service.restart", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 129), true},
		{"starts with digit", "1method", true},
		{"contains space", "host getObjects", true},
		{"contains semicolon", "host_getObjects;drop", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateMethodName(tt.method)
			if tt.hasError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateChannelName(t *testing.T) {
	v := New()

	tests := []struct {
		name     string
		channel  string
		hasError bool
	}{
		{"session channel", "session:abcdef0123456789", false},
		{"user channel", "user:adminuser", false},
		{"service channel", "service:depot:main-depot:jsonrpc", false},
		{"event channel", "event:host_connected", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 257), true},
		{"contains space", "session: abc", true},
		{"starts with digit", "1session:abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateChannelName(tt.channel)
			if tt.hasError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePositiveInt(t *testing.T) {
	v := New()

	tests := []struct {
		name     string
		value    int
		hasError bool
	}{
		{"valid positive", 5, false},
		{"zero", 0, true},
		{"negative", -5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePositiveInt(tt.value, "test_field")
			if tt.hasError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
