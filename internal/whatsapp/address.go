package whatsapp

import (
	"strings"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow/types"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// NormalizeDestination converts a phone number in any common notation, or an
// already qualified JID, to the canonical JID string.
func NormalizeDestination(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", errors.Wrap(ErrInvalidDestination, "empty destination")
	}

	if strings.Contains(destination, "@") {
		jid, err := types.ParseJID(destination)
		if err != nil || jid.User == "" {
			return "", errors.Wrapf(ErrInvalidDestination, "%q", destination)
		}
		switch jid.Server {
		case types.DefaultUserServer, types.GroupServer, types.HiddenUserServer:
			return jid.ToNonAD().String(), nil
		}
		return "", errors.Wrapf(ErrInvalidDestination, "unsupported server in %q", destination)
	}

	var digits strings.Builder
	for _, r := range destination {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", errors.Wrapf(ErrInvalidDestination, "%q", destination)
		}
	}
	n := digits.Len()
	if n < minPhoneDigits || n > maxPhoneDigits {
		return "", errors.Wrapf(ErrInvalidDestination, "%q has %d digits", destination, n)
	}
	return types.NewJID(digits.String(), types.DefaultUserServer).String(), nil
}

// PhoneFromJID returns the user part of jid without device suffixes.
func PhoneFromJID(jid string) string {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return ""
	}
	return parsed.User
}
