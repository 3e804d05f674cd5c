package csvline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "plain", in: "a,b,c", want: []string{"a", "b", "c"}},
		{name: "trims fields", in: "  a , b ,c  ", want: []string{"a", "b", "c"}},
		{name: "quoted comma", in: `a,"b,c",d`, want: []string{"a", "b,c", "d"}},
		{name: "escaped quotes", in: `a,"say ""hi""",b`, want: []string{"a", `say "hi"`, "b"}},
		{name: "empty fields", in: `,"x",`, want: []string{"", "x", ""}},
		{name: "trailing comma", in: "a,b,", want: []string{"a", "b", ""}},
		{name: "single field", in: "only", want: []string{"only"}},
		{name: "empty line", in: "", want: []string{""}},
		{name: "unterminated quote", in: `a,"b,c`, want: []string{"a", "b,c"}},
		{name: "quote mid field", in: `ab"c,d"e,f`, want: []string{"abc,de", "f"}},
		{name: "unicode", in: `Café,"Crème, brûlée"`, want: []string{"Café", "Crème, brûlée"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLine(tt.in))
		})
	}
}

func TestParseLine_MatchesSplitWithoutQuotes(t *testing.T) {
	lines := []string{
		"Title,Description,Price",
		" Meta Title , Meta Description ",
		"a,,b,,",
	}
	for _, line := range lines {
		var want []string
		for _, f := range strings.Split(line, ",") {
			want = append(want, strings.TrimSpace(f))
		}
		assert.Equal(t, want, ParseLine(line), "line %q", line)
	}
}

func TestSplitLines(t *testing.T) {
	in := "Title,Description\r\n\n   \nA,B\r\nC,D"
	assert.Equal(t, []string{"Title,Description", "A,B", "C,D"}, SplitLines(in))
	assert.Empty(t, SplitLines("\n\n  \n"))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, Quote("plain"))
	assert.Equal(t, `"say ""hi"""`, Quote(`say "hi"`))
	assert.Equal(t, []string{`say "hi"`}, ParseLine(Quote(`say "hi"`)))
}
