package protocol

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	channelNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)
	usernamePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,31}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails on an empty tag or nil func
	_ = v.RegisterValidation("channelname", func(fl validator.FieldLevel) bool {
		return ValidChannelName(fl.Field().String())
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return ValidUsername(fl.Field().String())
	})
	return v
}

// ValidChannelName reports whether name can be used for a channel: lowercase
// letters, digits, '-' and '_', at most 32 characters, starting with a letter
// or digit.
func ValidChannelName(name string) bool {
	return channelNamePattern.MatchString(name)
}

// ValidUsername reports whether name can be used as a login name.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Validate checks the struct tags of a decoded command.
func Validate(msg any) error {
	if err := validate.Struct(msg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidCommand, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}
