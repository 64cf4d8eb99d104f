package announce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesky-social/gatekeep/state"
)

func TestRendererCoversDefaultLocale(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	for _, name := range []string{Hint, HintMulti, Flood, Welcome, Question, TryAgain, Succeeded, Failed, Timeout, ChangeDenied, ManualPass, ManualFail, Report, Lacking, Leave, CustomPrompt, ConfigPanel} {
		assert.NotNil(t, r.lookup(DefaultLocale, name), name)
	}
}

func TestRender(t *testing.T) {
	assert := assert.New(t)
	r := MustRenderer()

	out, err := r.Render("en", Hint, Vars{"user": 7, "name": "<Ann>", "minutes": 5})
	assert.NoError(err)
	assert.Contains(out, "tg://user?id=7")
	assert.Contains(out, "&lt;Ann&gt;")

	out, err = r.Render("en", HintMulti, Vars{"users": []map[string]any{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}}, "minutes": 5})
	assert.NoError(err)
	assert.Contains(out, "</a>, <a")

	out, err = r.Render("zh-hans", Succeeded, Vars{"name": "x"})
	assert.NoError(err)
	assert.Contains(out, "验证成功")

	// zh has no report template; falls back to en
	out, err = r.Render("zh", Report, Vars{"records": []state.FailedRecord{{User: 1, Group: -100, Reason: "timeout", HasUsername: true}}})
	assert.NoError(err)
	assert.Contains(out, "user 1 in -100: timeout (has username)")

	out, err = r.Render("en", Question, Vars{"name": "a", "kind": "math", "question": "2 + 2 = ?", "limit": 3, "minutes": 5})
	assert.NoError(err)
	assert.Contains(out, "Solve: 2 + 2 = ?")

	_, err = r.Render("en", "nope", nil)
	assert.Error(err)
}
