package pipe_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxic13/docker-utils/internal/pipe"
	"github.com/toxic13/docker-utils/internal/process"
)

// transfer starts a writer process on p.W and a reader process on p.R, then releases
// the caller's ends, the same sequence the transfer code uses.
func transfer(ctx context.Context, t *testing.T, p *pipe.Pipe, payload string) string {
	t.Helper()

	var out bytes.Buffer
	writer := process.Command{Name: "printf", Args: []string{"%s", payload}}
	err := process.Run(ctx, writer, func(*process.Process) error {
		return process.Run(ctx, process.Command{Name: "cat"}, func(*process.Process) error {
			return p.Close()
		}, process.WithStdin(p.R), process.WithStdout(&out))
	}, process.WithStdout(p.W))
	require.NoError(t, err)
	return out.String()
}

func TestNew_Plain(t *testing.T) {
	p, err := pipe.New()
	require.NoError(t, err)

	got := transfer(context.Background(), t, p, "plain payload")
	assert.Equal(t, "plain payload", got)
}

func TestOpen_WithoutDisplay(t *testing.T) {
	var got string
	err := pipe.Open(context.Background(), func(p *pipe.Pipe) error {
		got = transfer(context.Background(), t, p, "layers")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "layers", got)
}

func TestOpen_DisplayUnavailableDegrades(t *testing.T) {
	var got string
	err := pipe.Open(context.Background(), func(p *pipe.Pipe) error {
		got = transfer(context.Background(), t, p, "fallback")
		return nil
	}, pipe.WithDisplay("definitely-not-a-display-xyz"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestOpen_DisplaySplicedInline(t *testing.T) {
	// cat stands in for the display program: it copies stdin to stdout unchanged.
	var got string
	err := pipe.Open(context.Background(), func(p *pipe.Pipe) error {
		got = transfer(context.Background(), t, p, "through the display")
		return nil
	}, pipe.WithDisplay("cat"))
	require.NoError(t, err)
	assert.Equal(t, "through the display", got)
}

func TestOpen_DisplayFailureSurfaces(t *testing.T) {
	// The display exits non-zero once its input is drained.
	err := pipe.Open(context.Background(), func(p *pipe.Pipe) error {
		transfer(context.Background(), t, p, "")
		return nil
	}, pipe.WithDisplay("sh", "-c", "cat >/dev/null; exit 7"))
	require.Error(t, err)
}
