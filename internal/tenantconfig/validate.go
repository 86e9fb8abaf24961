package tenantconfig

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/punchamoorthee/tabpay/internal/domain"
	"github.com/punchamoorthee/tabpay/internal/models"
)

var shortCodePattern = regexp.MustCompile(`^\d{5,7}$`)

// TillExemptShortCode is a six-digit PayBill starting with 5 that is
// accepted despite looking like a Till number.
const TillExemptShortCode = "522522"

// ValidateShortCode accepts PayBill shortcodes and rejects Till numbers,
// which cannot receive STK push payments.
func ValidateShortCode(code string) error {
	if !shortCodePattern.MatchString(code) {
		return domain.ErrInvalidShortCode.Withf("shortcode %q must be 5-7 digits", code)
	}
	if LooksLikeTill(code) {
		return domain.ErrTillNumber.Withf("shortcode %s looks like a Till number", code)
	}
	return nil
}

// LooksLikeTill reports whether code has the shape of a Till number.
func LooksLikeTill(code string) bool {
	return len(code) == 6 && code[0] == '5' && code != TillExemptShortCode
}

// ValidateCallbackURL checks that u is an absolute http(s) URL, and https
// in production.
func ValidateCallbackURL(u string, env models.Environment) error {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return domain.ErrInvalidCallbackURL.Withf("callback URL %q is not absolute", u)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if env == models.Production {
			return domain.ErrInvalidCallbackURL.Withf("production callback URL must use https")
		}
	default:
		return domain.ErrInvalidCallbackURL.Withf("callback URL scheme %q not supported", parsed.Scheme)
	}
	return nil
}

// ValidateEndpoint checks that the provider base URL belongs to env.
// Sandbox endpoints carry "sandbox" in their host.
func ValidateEndpoint(baseURL string, env models.Environment) error {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return domain.ErrEnvironmentURL.Withf("endpoint %q is not absolute", baseURL)
	}
	sandboxed := strings.Contains(strings.ToLower(parsed.Host), "sandbox")
	switch env {
	case models.Sandbox:
		if !sandboxed {
			return domain.ErrEnvironmentURL.Withf("sandbox requires a sandbox endpoint, got %s", parsed.Host)
		}
	case models.Production:
		if sandboxed {
			return domain.ErrEnvironmentURL.Withf("production cannot use sandbox endpoint %s", parsed.Host)
		}
		if parsed.Scheme != "https" {
			return domain.ErrEnvironmentURL.Withf("production endpoint must use https")
		}
	default:
		return domain.ErrInvalidEnvironment.Withf("unknown environment %q", env)
	}
	return nil
}
