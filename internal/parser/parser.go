// Package parser extracts assessment request fields from the plain-text body of
// notification emails. It performs no I/O.
//
// Bodies are Japanese form letters made of lines shaped like
//
//	お申込番号　  ：9060727
//	お申込日時　　：2026年02月05日 21:25
//
// where the separator is a full- or half-width colon surrounded by optional
// ASCII or full-width spaces.
package parser

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNoApplicationNumber is returned when the body has no digit-only お申込番号
// line. Without it there is no dedup key, so no lead is created.
var ErrNoApplicationNumber = errors.New("application number not found")

// JST is the fixed UTC+9 civil time zone application datetimes are written in.
// Asia/Tokyo has no daylight saving, so a fixed offset is exact.
var JST = time.FixedZone("JST", 9*60*60)

const applicationDatetimeLayout = "2006-01-02 15:04"

// Fields holds the values extracted from one body. Empty strings mark labels
// that were not found.
type Fields struct {
	ApplicationNumber   string
	ApplicationDatetime time.Time
	// DatetimeFallback is true when ApplicationDatetime is the ingestion time
	// because the お申込日時 value was missing or did not parse.
	DatetimeFallback  bool
	RawDatetime       string
	DesiredSaleTiming string
	Maker             string
	CarModel          string
	Year              string
	Mileage           string
	CustomerName      string
	PhoneNumber       string
	PostalCode        string
	Address           string
	Email             string
}

// hspace matches horizontal whitespace, including the ideographic space (U+3000).
const hspace = `[\t \p{Zs}]*`

type fieldRule struct {
	label string
	re    *regexp.Regexp
	set   func(*Fields, string)
}

func labelPattern(label string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(label) + hspace + `[：:]` + hspace + `(.+)`)
}

var applicationNumberPattern = regexp.MustCompile(
	`(?m)お申込番号` + hspace + `[：:]` + hspace + `(\d+)[\t \r\p{Zs}]*$`,
)

var fieldRules = []fieldRule{
	{"お申込日時", labelPattern("お申込日時"), func(f *Fields, v string) { f.RawDatetime = v }},
	{"希望売却時期", labelPattern("希望売却時期"), func(f *Fields, v string) { f.DesiredSaleTiming = v }},
	{"メーカー名", labelPattern("メーカー名"), func(f *Fields, v string) { f.Maker = v }},
	{"車種名", labelPattern("車種名"), func(f *Fields, v string) { f.CarModel = v }},
	{"年式", labelPattern("年式"), func(f *Fields, v string) { f.Year = v }},
	{"走行距離", labelPattern("走行距離"), func(f *Fields, v string) { f.Mileage = v }},
	{"お名前", labelPattern("お名前"), func(f *Fields, v string) { f.CustomerName = v }},
	{"電話番号", labelPattern("電話番号"), func(f *Fields, v string) { f.PhoneNumber = v }},
	{"郵便番号", labelPattern("郵便番号"), func(f *Fields, v string) { f.PostalCode = v }},
	{"住所", labelPattern("住所"), func(f *Fields, v string) { f.Address = v }},
	{"メールアドレス", labelPattern("メールアドレス"), func(f *Fields, v string) { f.Email = v }},
}

// Extract parses body into Fields. now is used as the application datetime
// when the お申込日時 value is missing or malformed.
//
// Only the first occurrence of each label is used. The only error is
// ErrNoApplicationNumber; every other field is best-effort.
func Extract(body string, now time.Time) (Fields, error) {
	var f Fields

	m := applicationNumberPattern.FindStringSubmatch(body)
	if m == nil {
		return f, ErrNoApplicationNumber
	}
	f.ApplicationNumber = m[1]

	for _, rule := range fieldRules {
		rule.set(&f, firstMatch(rule.re, body))
	}

	f.ApplicationDatetime, f.DatetimeFallback = ParseApplicationDatetime(f.RawDatetime, now)
	return f, nil
}

func firstMatch(re *regexp.Regexp, body string) string {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ParseApplicationDatetime parses "YYYY年MM月DD日 HH:MM" as JST civil time.
// On any failure it returns now in UTC and fallback=true.
func ParseApplicationDatetime(s string, now time.Time) (t time.Time, fallback bool) {
	if s == "" {
		return now.UTC(), true
	}

	normalized := strings.NewReplacer("年", "-", "月", "-", "日", "").Replace(s)
	parsed, err := time.ParseInLocation(applicationDatetimeLayout, strings.TrimSpace(normalized), JST)
	if err != nil {
		return now.UTC(), true
	}
	return parsed, false
}
