package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `=====================================
■お申込み内容■
お申込番号　  ：9060727
お申込日時　　：2026年02月05日 21:25
希望売却時期　：直近層
-===================================-
■お車の情報■
メーカー名　　：ダイハツ
車種名　　　　：タント
年式　　　　　：2013年（平成25年）
走行距離　　　：１５万キロ以上
=-=================================-=
■お客様ご連絡先■
お名前　　　　：田中直美
電話番号　　　：090-1234-5678
郵便番号　　　：319-1541
住所　　　　　：茨城県北茨城市磯原町磯原
メールアドレス：test@gmail.com
==-===============================-==
`

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestExtract_SampleBody(t *testing.T) {
	f, err := Extract(sampleBody, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "9060727", f.ApplicationNumber)
	assert.False(t, f.DatetimeFallback)
	assert.True(t, f.ApplicationDatetime.Equal(time.Date(2026, 2, 5, 12, 25, 0, 0, time.UTC)))
	_, offset := f.ApplicationDatetime.Zone()
	assert.Equal(t, 9*60*60, offset)

	assert.Equal(t, "直近層", f.DesiredSaleTiming)
	assert.Equal(t, "ダイハツ", f.Maker)
	assert.Equal(t, "タント", f.CarModel)
	assert.Equal(t, "2013年（平成25年）", f.Year)
	assert.Equal(t, "１５万キロ以上", f.Mileage)
	assert.Equal(t, "田中直美", f.CustomerName)
	assert.Equal(t, "090-1234-5678", f.PhoneNumber)
	assert.Equal(t, "319-1541", f.PostalCode)
	assert.Equal(t, "茨城県北茨城市磯原町磯原", f.Address)
	assert.Equal(t, "test@gmail.com", f.Email)
}

func TestExtract_CRLFBody(t *testing.T) {
	body := strings.ReplaceAll(sampleBody, "\n", "\r\n")

	f, err := Extract(body, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "9060727", f.ApplicationNumber)
	assert.Equal(t, "ダイハツ", f.Maker)
	assert.False(t, f.DatetimeFallback)
}

func TestExtract_HalfWidthColon(t *testing.T) {
	f, err := Extract("お申込番号: 123\nメーカー名 : トヨタ\n", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "123", f.ApplicationNumber)
	assert.Equal(t, "トヨタ", f.Maker)
}

func TestExtract_MissingApplicationNumber(t *testing.T) {
	body := strings.Replace(sampleBody, "お申込番号　  ：9060727\n", "", 1)

	_, err := Extract(body, fixedNow)
	assert.ErrorIs(t, err, ErrNoApplicationNumber)
}

func TestExtract_NonDigitApplicationNumber(t *testing.T) {
	for _, line := range []string{
		"お申込番号：ABC123",
		"お申込番号：906-0727",
		"お申込番号：9060727号",
		"お申込番号：",
		"お申込番号：９０６０７２７",
	} {
		_, err := Extract(line+"\nお名前：山田\n", fixedNow)
		assert.ErrorIs(t, err, ErrNoApplicationNumber, line)
	}
}

func TestExtract_FirstOccurrenceWins(t *testing.T) {
	body := "お申込番号：111\nお申込番号：222\nメーカー名：ホンダ\nメーカー名：スズキ\n"

	f, err := Extract(body, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "111", f.ApplicationNumber)
	assert.Equal(t, "ホンダ", f.Maker)
}

func TestExtract_MissingFieldsAreEmpty(t *testing.T) {
	f, err := Extract("お申込番号：42\n", fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "42", f.ApplicationNumber)
	assert.Empty(t, f.Maker)
	assert.Empty(t, f.CustomerName)
	assert.Empty(t, f.Address)
	assert.True(t, f.DatetimeFallback)
	assert.Equal(t, fixedNow, f.ApplicationDatetime)
}

func TestExtract_ValueDoesNotSpanLines(t *testing.T) {
	f, err := Extract("お申込番号：42\n住所：\n東京都\n", fixedNow)
	require.NoError(t, err)
	assert.Empty(t, f.Address)
}

func TestParseApplicationDatetime(t *testing.T) {
	tests := []struct {
		in       string
		want     time.Time
		fallback bool
	}{
		{"2026年02月05日 21:25", time.Date(2026, 2, 5, 21, 25, 0, 0, JST), false},
		{"2025年12月31日 23:59", time.Date(2025, 12, 31, 23, 59, 0, 0, JST), false},
		{" 2024年01月01日 00:00 ", time.Date(2024, 1, 1, 0, 0, 0, 0, JST), false},
		{"", fixedNow, true},
		{"2026/02/05 21:25", fixedNow, true},
		{"2026年02月30日 10:00", fixedNow, true},
		{"2026年02月05日", fixedNow, true},
		{"令和8年2月5日 21時25分", fixedNow, true},
		{"2026年2月5日 9:05", fixedNow, true},
	}

	for _, tt := range tests {
		got, fallback := ParseApplicationDatetime(tt.in, fixedNow)
		assert.Equal(t, tt.fallback, fallback, tt.in)
		assert.True(t, tt.want.Equal(got), "%q: got %v want %v", tt.in, got, tt.want)
	}
}

func TestParseApplicationDatetime_FallbackIsUTC(t *testing.T) {
	local := time.Date(2026, 3, 1, 21, 0, 0, 0, JST)

	got, fallback := ParseApplicationDatetime("bogus", local)
	assert.True(t, fallback)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(local))
}
