package contracts

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidBinding marks every binding validation failure.
var ErrInvalidBinding = errors.New("rmqbus: invalid binding")

var bindingNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateBindingName accepts routing keys made of letters, digits, dots,
// underscores and hyphens.
func ValidateBindingName(name string) error {
	if !bindingNamePattern.MatchString(name) {
		return fmt.Errorf("%w: binding %q is not valid, only letters, digits, dot, underscore and hyphen are allowed", ErrInvalidBinding, name)
	}
	return nil
}

// ValidateBindingChannel checks the queue qualifier of a binding against the
// configured queue names. With at most one queue the qualifier is optional
// and ignored; otherwise it is required and must name exactly one queue.
func ValidateBindingChannel(binding Binding, queues []string) error {
	if len(queues) <= 1 {
		return nil
	}
	if binding.Channel == "" {
		return fmt.Errorf("%w: channel is required at pattern %q", ErrInvalidBinding, binding.Name)
	}

	matches := 0
	for _, q := range queues {
		if q == binding.Channel {
			matches++
		}
	}
	switch matches {
	case 0:
		return fmt.Errorf("%w: channel %q not found in queues", ErrInvalidBinding, binding.Channel)
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: queue name %q must be unique", ErrInvalidBinding, binding.Channel)
	}
}

// ValidateBindings runs both validators over every binding.
func ValidateBindings(bindings []Binding, queues []string) error {
	for _, b := range bindings {
		if err := ValidateBindingName(b.Name); err != nil {
			return err
		}
		if err := ValidateBindingChannel(b, queues); err != nil {
			return err
		}
	}
	return nil
}
