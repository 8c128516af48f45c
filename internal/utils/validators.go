package utils

import (
	"crypto/md5"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ParseDuration parses a duration string. A bare number is read as seconds,
// since durations here are poll intervals and wait timeouts.
func ParseDuration(durationStr string) (time.Duration, error) {
	durationStr = strings.ToLower(strings.TrimSpace(durationStr))

	if val, err := strconv.Atoi(durationStr); err == nil {
		return time.Duration(val) * time.Second, nil
	}

	duration, err := time.ParseDuration(durationStr)
	if err == nil {
		return duration, nil
	}

	// Handle custom formats like "30 seconds", "5 minutes"
	parts := strings.Fields(durationStr)
	if len(parts) == 2 {
		val, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, fmt.Errorf("invalid duration value: %s", parts[0])
		}

		unit := parts[1]
		switch {
		case strings.HasPrefix(unit, "second"):
			return time.Duration(val) * time.Second, nil
		case strings.HasPrefix(unit, "minute"):
			return time.Duration(val) * time.Minute, nil
		case strings.HasPrefix(unit, "hour"):
			return time.Duration(val) * time.Hour, nil
		default:
			return 0, fmt.Errorf("unknown duration unit: %s", unit)
		}
	}

	return 0, fmt.Errorf("invalid duration format: %s", durationStr)
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// ParsePublicKey parses a key in authorized_keys format
func ParsePublicKey(publicKey string) (ssh.PublicKey, error) {
	if strings.TrimSpace(publicKey) == "" {
		return nil, errors.New("public key cannot be empty")
	}

	key, _, _, rest, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		return nil, errors.New("expected a single public key")
	}
	return key, nil
}

// KeyName derives a stable provider-side name for key, so registering the
// same key twice resolves to the same name
func KeyName(key ssh.PublicKey) string {
	sum := md5.Sum(key.Marshal())
	return fmt.Sprintf("testbed-%x", sum[:8])
}

// ValidateRegion checks that a region identifier is well formed. Whether
// the provider serves it is up to the provider.
func ValidateRegion(region string) error {
	if region == "" {
		return errors.New("region cannot be empty")
	}

	for _, r := range region {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return fmt.Errorf("invalid region format: %s", region)
		}
	}

	if strings.HasPrefix(region, "-") || strings.HasSuffix(region, "-") {
		return fmt.Errorf("invalid region format: %s", region)
	}

	return nil
}
