package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_PlainString(t *testing.T) {
	r := New()
	out, err := r.Render("hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRender_BarePathKeepsType(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{
		"check": map[string]interface{}{"temp": 85, "tags": []interface{}{"a", "b"}},
	}
	out, err := r.Render("{{ check.temp }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 85, out)

	out, err = r.Render("{{ check.tags }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, out)

	out, err = r.Render("{{ check.tags[1] }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}

func TestRender_ExpressionCoercesNumber(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{"it": map[string]interface{}{"x": 3}}
	out, err := r.Render("{{ it.x * 2 }}", ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, out)
}

func TestRender_Interpolation(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{"name": "etl"}
	out, err := r.Render("job-{{ name }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-etl", out)
}

func TestRenderMap_Nested(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{"workload": map[string]interface{}{"city": "oslo"}}
	out, err := r.RenderMap(map[string]interface{}{
		"url":  "https://api/{{ workload.city }}",
		"deep": map[string]interface{}{"city": "{{ workload.city }}"},
	}, ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://api/oslo", out["url"])
	assert.Equal(t, "oslo", out["deep"].(map[string]interface{})["city"])
}

func TestTruthy(t *testing.T) {
	r := New()
	ctx := map[string]interface{}{"check": map[string]interface{}{"temp": 85}}

	ok, err := r.Truthy("{{ check.temp > 80 }}", ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Truthy("check.temp <= 80", ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 空条件恒真（无 when 的迁移）
	ok, err = r.Truthy("", ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTruthy_ErrorOnBadExpr(t *testing.T) {
	r := New()
	_, err := r.Truthy("{{ %% }}", nil)
	assert.Error(t, err)
}
