package sqlcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplateVariables(t *testing.T) {
	out, err := RenderTemplate("hello {{ name }}, {{ nested.value }}", map[string]interface{}{
		"name":   "world",
		"nested": map[string]interface{}{"value": 42},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world, 42", out)
}

func TestRenderTemplateMissingPathIsEmpty(t *testing.T) {
	out, err := RenderTemplate("[{{ missing.path }}]", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRenderTemplateForLoop(t *testing.T) {
	out, err := RenderTemplate(
		"{% for item in items %}{{ item }}{% if not loop.is_last %},{% endif %}{% endfor %}",
		map[string]interface{}{"items": []string{"a", "b", "c"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", out)
}

func TestRenderTemplateLoopIndex(t *testing.T) {
	out, err := RenderTemplate(
		"{% for item in items %}{{ loop.index }}:{{ item }} {% endfor %}",
		map[string]interface{}{"items": []string{"x", "y"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "1:x 2:y ", out)
}

func TestRenderTemplateNestedBlocks(t *testing.T) {
	data := map[string]interface{}{
		"fields": []map[string]interface{}{
			{"name": "id", "primary": true},
			{"name": "email", "primary": false},
		},
	}
	out, err := RenderTemplate(
		"{% for f in fields %}{{ f.name }}{% if f.primary %}*{% endif %};{% endfor %}",
		data,
	)
	require.NoError(t, err)
	assert.Equal(t, "id*;email;", out)
}

func TestRenderTemplateConditions(t *testing.T) {
	data := map[string]interface{}{
		"a": true,
		"b": false,
		"f": map[string]interface{}{"default": "'x'"},
	}

	cases := []struct {
		tmpl string
		want string
	}{
		{"{% if a %}yes{% endif %}", "yes"},
		{"{% if b %}yes{% endif %}", ""},
		{"{% if not b %}yes{% endif %}", "yes"},
		{"{% if a and not b %}yes{% endif %}", "yes"},
		{"{% if a and b %}yes{% endif %}", ""},
		{`{% if existsIn(f, "default") %}{{ f.default }}{% endif %}`, "'x'"},
		{`{% if existsIn(f, "nope") %}yes{% endif %}`, ""},
	}
	for _, tc := range cases {
		out, err := RenderTemplate(tc.tmpl, data)
		require.NoError(t, err, tc.tmpl)
		assert.Equal(t, tc.want, out, tc.tmpl)
	}
}

func TestRenderTemplateErrors(t *testing.T) {
	cases := []string{
		"{{ open",
		"{% for x in items %}no close",
		"{% endif %}",
		"{% frobnicate %}",
		"{% for broken %}{% endfor %}",
	}
	for _, tmpl := range cases {
		_, err := RenderTemplate(tmpl, map[string]interface{}{})
		assert.Error(t, err, tmpl)
	}
}

func TestRenderTemplateIsDeterministic(t *testing.T) {
	data := map[string]interface{}{"items": []string{"a", "b"}}
	tmpl := "{% for i in items %}{{ i }}{% endfor %}"
	first, err := RenderTemplate(tmpl, data)
	require.NoError(t, err)
	second, err := RenderTemplate(tmpl, data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
