package statemachine_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/statemachine"
)

type state string
type event string

const (
	draft     state = "draft"
	open      state = "open"
	closed    state = "closed"
	publish   event = "publish"
	finish    event = "finish"
	terminate event = "terminate"
)

func newTable() *statemachine.Table[state, event] {
	return statemachine.New(
		statemachine.WithTransition(draft, publish, open),
		statemachine.WithTransition(open, finish, closed),
		statemachine.WithTransitions([]state{draft, open}, terminate, closed),
		statemachine.WithTerminal[state, event](closed),
	)
}

func TestTable_Next(t *testing.T) {
	t.Parallel()
	tbl := newTable()

	t.Run("allowed edge", func(t *testing.T) {
		t.Parallel()
		to, err := tbl.Next(draft, publish)
		require.NoError(t, err)
		assert.Equal(t, open, to)
	})

	t.Run("missing edge", func(t *testing.T) {
		t.Parallel()
		_, err := tbl.Next(closed, publish)
		require.Error(t, err)
		assert.True(t, statemachine.IsNoTransitionAvailableError(err))
		assert.Contains(t, err.Error(), "closed")
	})

	t.Run("multi source edge", func(t *testing.T) {
		t.Parallel()
		assert.True(t, tbl.Can(draft, terminate))
		assert.True(t, tbl.Can(open, terminate))
		assert.Equal(t, []state{draft, open}, tbl.SourcesFunc(terminate, func(a, b state) int {
			return strings.Compare(string(a), string(b))
		}))
	})

	t.Run("terminal", func(t *testing.T) {
		t.Parallel()
		assert.True(t, tbl.IsTerminal(closed))
		assert.False(t, tbl.IsTerminal(open))
	})
}

func TestNew_PanicsOnEdgeFromTerminal(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		statemachine.New(
			statemachine.WithTransition(closed, publish, open),
			statemachine.WithTerminal[state, event](closed),
		)
	})
}
