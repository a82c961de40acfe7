package servicemanager

import "fmt"

// MaxNameLength is the longest accepted service name.
const MaxNameLength = 127

// ValidateName checks a service name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name longer than %d bytes", MaxNameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-', c == '/':
		default:
			return fmt.Errorf("invalid character %q at offset %d", c, i)
		}
	}
	return nil
}
