package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEnvironment(t *testing.T) {
	cases := []struct {
		in   string
		want Environment
	}{
		{"production", Production},
		{"prod", Production},
		{"PROD", Production},
		{"staging", Staging},
		{"stage", Staging},
		{"testing", Testing},
		{"test", Testing},
		{" development ", Development},
		{"", Development},
		{"gibberish", Development},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ParseEnvironment(c.in), "input %q", c.in)
	}
}

func TestIsProduction(t *testing.T) {
	require.True(t, Production.IsProduction())
	require.False(t, Development.IsProduction())
}
