package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"only whitespace", " \r\n\t  \n", ""},
		{"nbsp entity", "a&nbsp;&nbsp;b", "a b"},
		{"line endings collapse", "<?php\r\n\r\necho 1;\n", "<?php echo 1;"},
		{"tabs and runs", "a\t\t  b   c", "a b c"},
		{"trailing nbsp trimmed", "body&nbsp;", "body"},
		{"run keeps last whitespace byte", "a \fb", "a\fb"},
		{"form feed not trimmed", "\fa", "\fa"},
		{"nul trimmed", "\x00a\x00", "a"},
		{"binary kept as is", "\xff\xfe x", "\xff\xfe x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize([]byte(tc.in)))
		})
	}
}

func TestNormalizeCosmeticDifferencesDoNotMatter(t *testing.T) {
	unix := Normalize([]byte("<div>\n  <p>hi</p>\n</div>\n"))
	windows := Normalize([]byte("<div>\r\n  <p>hi</p>\r\n</div>\r\n"))
	assert.Equal(t, unix, windows)
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, seed := range []string{
		"", " ", "a  b", "&nbsp;", "&nb&nbsp;sp;", "\f\n a", "a \x00", "x\f\x00", "\t\v\f\r\n ",
		"<?php\r\n  echo 'x';\r\n", "\xff\x00 \f ",
	} {
		f.Add([]byte(seed))
	}
	f.Fuzz(func(t *testing.T, in []byte) {
		once := Normalize(in)
		twice := Normalize([]byte(once))
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	})
}
