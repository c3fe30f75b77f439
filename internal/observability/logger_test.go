package observability

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%s want %s", in, got, want)
		}
	}
}

func TestInitLoggerHonoursEnvLevel(t *testing.T) {
	t.Setenv("VGT_LOG_LEVEL", "error")
	l := InitLogger("test")
	if got := l.GetLevel(); got != zerolog.ErrorLevel {
		t.Fatalf("level=%s", got)
	}
}
