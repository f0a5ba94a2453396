package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeCoding, ParseMode("coding"))
	assert.Equal(t, ModeSelection, ParseMode("selection"))
	assert.Equal(t, ModeQuiz, ParseMode(""))
	assert.Equal(t, ModeQuiz, ParseMode("karaoke"))

	assert.True(t, ModeQuiz.RequiresMedia())
	assert.True(t, ModeCoding.RequiresMedia())
	assert.False(t, ModeSelection.RequiresMedia())
	assert.False(t, Mode("x").Valid())
}

func TestProviderResultExactlyOne(t *testing.T) {
	ok := TextResult("gemini", "42")
	assert.True(t, ok.Valid())
	assert.False(t, ok.Failed())
	assert.Equal(t, "42", ok.Content())

	bad := ErrorResult("groq", "")
	assert.True(t, bad.Valid())
	assert.True(t, bad.Failed())
	assert.Equal(t, "unknown error", bad.Content())

	assert.False(t, ProviderResult{Provider: "x"}.Valid())
}

func TestProviderResultWireShape(t *testing.T) {
	raw, err := json.Marshal([]ProviderResult{TextResult("a", "42"), ErrorResult("b", "RateLimited")})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"provider":"a","result":"42"},{"provider":"b","error":"RateLimited"}]`, string(raw))
}

func TestRequestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewRequestError(CodeRequestTimedOut))
	assert.True(t, errors.Is(err, ErrRequestTimedOut))
	assert.False(t, errors.Is(err, ErrConnectionLost))

	re, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, CodeRequestTimedOut, re.Code)
	assert.Contains(t, re.Error(), "RequestTimedOut: Request timed out")

	custom := Errorf(CodeCaptureFailed, "only %d frames", 0)
	assert.Equal(t, "CaptureFailed: only 0 frames", custom.Error())
}

func TestOutcome(t *testing.T) {
	assert.True(t, Succeeded(nil).OK())
	assert.False(t, Failed(NewRequestError(CodeNoProviderConfigured)).OK())
	assert.True(t, Configuration{Configured: []string{"gemini"}}.HasProvider())
}

func TestDataURLRoundTrip(t *testing.T) {
	f := CaptureFrame{ImageData: []byte{0xff, 0xd8, 0x01}, MimeType: "image/jpeg"}
	url := f.DataURL()
	assert.Equal(t, "data:image/jpeg;base64,/9gB", url)

	back, err := ParseDataURL(url, 700)
	require.NoError(t, err)
	assert.Equal(t, f.ImageData, back.ImageData)
	assert.Equal(t, 700, back.ViewportOffset)
	assert.Equal(t, "image/jpeg", back.MimeType)

	for _, bad := range []string{"", "http://x", "data:image/png,abc", "data:image/png;base64,", "data:;base64,!!"} {
		_, err := ParseDataURL(bad, 0)
		assert.Error(t, err, bad)
	}
}
