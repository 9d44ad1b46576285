package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveExpandsAgainstBaseAndOverrides(t *testing.T) {
	base := Var{"HOME": "/home/svc", "PATH": "/usr/bin"}
	got := Resolve(base, Var{
		"DATA":    "${HOME}/data",
		"PATH":    "/opt/app/bin:${PATH}",
		"LEVEL":   "debug",
		"LOGFILE": "${DATA}/app.log",
		"":        "ignored",
	})
	assert.Equal(t, "/home/svc/data", got["DATA"])
	assert.Equal(t, "/opt/app/bin:/usr/bin", got["PATH"])
	assert.Equal(t, "debug", got["LEVEL"])
	// single pass: the reference sees the unexpanded override
	assert.Equal(t, "${HOME}/data/app.log", got["LOGFILE"])
	assert.NotContains(t, got, "")
	assert.Equal(t, "${NOPE}", Resolve(base, Var{"X": "${NOPE}"})["X"])
	assert.NotContains(t, got, "HOME")
}

func TestResolveEmpty(t *testing.T) {
	assert.Empty(t, Resolve(Var{"A": "1"}, nil))
}

func TestFromOS(t *testing.T) {
	t.Setenv("EASYSVC_ENV_TEST", "x=y")
	assert.Equal(t, "x=y", FromOS()["EASYSVC_ENV_TEST"])
}
