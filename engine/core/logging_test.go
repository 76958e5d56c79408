package core

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestLogErrorKeepsMessageVerbatim(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	err := errors.New("staging 100% full, 50%d left")
	LogError("%s", err.Error())
	LogWarn("%s", err)

	out := buf.String()
	if n := strings.Count(out, "staging 100% full, 50%d left"); n != 2 {
		t.Fatalf("message mangled or missing (%d copies):\n%s", n, out)
	}
	if strings.Contains(out, "%!") {
		t.Errorf("format verbs were interpreted:\n%s", out)
	}
}

func TestSetLogLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)
	defer SetLogLevel("info")

	SetLogLevel("info")
	LogDebug("hidden")
	SetLogLevel("debug")
	LogDebug("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
