package mpesa

import (
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/punchamoorthee/tabpay/internal/domain"
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

const timestampLayout = "20060102150405"

// Timestamp formats t the way the push and query endpoints expect.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password derives the request password from the shortcode, the passkey
// and the request timestamp.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

var (
	nonDigits    = regexp.MustCompile(`[^\d+]`)
	kenyanMobile = regexp.MustCompile(`^254[17]\d{8}$`)
)

// NormalizePhone converts the common Kenyan notations (07.., 01..,
// +2547.., 2547.., 7..) to 2547XXXXXXXX / 2541XXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	p := nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")
	p = strings.TrimPrefix(p, "+")
	switch {
	case strings.HasPrefix(p, "254"):
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		p = "254" + p
	}
	if !kenyanMobile.MatchString(p) {
		return "", domain.ErrInvalidPhone.Withf("%q is not a Kenyan mobile number", raw)
	}
	return p, nil
}

// MaskPhone hides the middle digits of a phone number for logs.
func MaskPhone(p string) string {
	if len(p) < 8 {
		return "****"
	}
	return p[:4] + "****" + p[len(p)-4:]
}

// Daraja limits on free-text push fields.
const (
	MaxAccountReferenceLen = 12
	MaxTransactionDescLen  = 13
)

const referencePrefix = "TAB"

// EncodeAccountReference ties a push to the tab it pays: TAB followed by
// the tab number in upper-case base 36. Tab numbers are unique per bar and
// every bar pushes to its own shortcode, so the number alone identifies
// the tab on the customer's statement.
func EncodeAccountReference(tabNumber int) string {
	return referencePrefix + strings.ToUpper(strconv.FormatInt(int64(tabNumber), 36))
}

// ParseAccountReference reverses EncodeAccountReference.
func ParseAccountReference(ref string) (tabNumber int, ok bool) {
	digits, found := strings.CutPrefix(ref, referencePrefix)
	if !found || digits == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 36, 32)
	if err != nil || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

// Description is the default TransactionDesc for a tab payment.
func Description(tabNumber int) string {
	return truncate(fmt.Sprintf("Tab %d", tabNumber), MaxTransactionDescLen)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
