package ollama

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostProcess(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  hello  ", "hello"},
		{"collapses newlines", "first line\nsecond line", "first line second line"},
		{"strips markdown", "*bold* and _italic_ and `code`", "bold and italic and code"},
		{"strips control chars", "hi\x01there", "hithere"},
		{"unwraps quotes", `"a quoted answer"`, "a quoted answer"},
		{"empty input", "   \n\t  ", ""},
		{"only markdown", "***", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, PostProcess(tt.in, 500))
		})
	}
}

func TestPostProcessTruncatesAtWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 200) // 1000 bytes
	got := PostProcess(long, 500)

	require.LessOrEqual(t, len(got), 500)
	require.False(t, strings.HasSuffix(got, "..."), "no ellipsis is appended")
	require.False(t, strings.HasSuffix(got, " "), "no trailing space")
	// The cut lands between words, never inside one.
	for _, w := range strings.Fields(got) {
		require.Equal(t, "word", w)
	}
}

func TestPostProcessHardCutWithoutSpaces(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := PostProcess(long, 500)
	require.Len(t, got, 500)
}

func TestPostProcessExactLimitUnchanged(t *testing.T) {
	exact := strings.Repeat("y", 500)
	require.Equal(t, exact, PostProcess(exact, 500))
}

func TestPostProcessMultibyteNeverSplit(t *testing.T) {
	long := strings.Repeat("héllo ", 120)
	got := PostProcess(long, 500)
	require.LessOrEqual(t, len(got), 500)
	require.True(t, strings.HasSuffix(got, "héllo"))
}

func TestPostProcessIdempotent(t *testing.T) {
	raw := "  some *messy*\noutput " + strings.Repeat("word ", 150)
	once := PostProcess(raw, 500)
	require.Equal(t, once, PostProcess(once, 500))
}

func TestPostProcessUnderLimitUntouched(t *testing.T) {
	require.Equal(t, "short", PostProcess("short", 500))
}
