package registration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMarkersSurviveWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")

	fatal := fmt.Errorf("login: %w", Fatal(base))
	require.True(t, IsFatal(fatal))
	require.ErrorIs(t, fatal, base)
	require.Equal(t, "login: boom", fatal.Error())

	over := fmt.Errorf("submit: %w", Overloaded(base))
	require.True(t, IsOverloaded(over))
	require.False(t, IsFatal(over))

	require.NoError(t, Fatal(nil))
	require.NoError(t, Overloaded(nil))
}

func TestClassify(t *testing.T) {
	t.Parallel()
	require.Equal(t, Completed, Classify(nil))
	require.Equal(t, Cancelled, Classify(fmt.Errorf("sleep: %w", ErrTaskCancelled)))
	require.Equal(t, Cancelled, Classify(context.Canceled))
	require.Equal(t, Failed, Classify(Fatal(errors.New("bad password"))))
	require.Equal(t, "failed", Failed.String())
}
