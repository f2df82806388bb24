package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererRendersPaths(t *testing.T) {
	renderer := NewRenderer()

	tests := []struct {
		name     string
		template string
		data     map[string]any
		want     string
	}{
		{
			name:     "plain path",
			template: "/api/archive/bulk",
			want:     "/api/archive/bulk",
		},
		{
			name:     "path params",
			template: "/api/archive/{{ .kind }}/{{ .id }}",
			data:     map[string]any{"kind": "batch", "id": "B-7"},
			want:     "/api/archive/batch/B-7",
		},
		{
			name:     "optional query escaped",
			template: "/api/archive/stats{{ with .kind }}?kind={{ . | urlquery }}{{ end }}",
			data:     map[string]any{"kind": "a b"},
			want:     "/api/archive/stats?kind=a+b",
		},
		{
			name:     "missing key renders empty",
			template: "/api/archive/stats{{ with .kind }}?kind={{ . }}{{ end }}",
			data:     map[string]any{},
			want:     "/api/archive/stats",
		},
		{
			name:     "sprig helpers available",
			template: "/api/{{ .kind | lower | trim }}",
			data:     map[string]any{"kind": " PRODUCT "},
			want:     "/api/product",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileInline(tc.name, tc.template)
			require.NoError(t, err)
			rendered, err := tmpl.Render(tc.data)
			require.NoError(t, err)
			require.Equal(t, tc.want, rendered)
		})
	}
}

func TestRendererRemovesEnvironmentAndFileHelpers(t *testing.T) {
	renderer := NewRenderer()
	for _, source := range []string{`{{ env "HOME" }}`, `{{ readFile "/etc/passwd" }}`, `{{ glob "*" }}`} {
		_, err := renderer.CompileInline("restricted", source)
		require.Error(t, err, source)
	}
}

func TestRendererEmptySourceIsNil(t *testing.T) {
	tmpl, err := NewRenderer().CompileInline("empty", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)

	_, err = tmpl.Render(nil)
	require.Error(t, err)
	require.Equal(t, "", tmpl.Name())
}

func TestRendererCompileErrors(t *testing.T) {
	_, err := NewRenderer().CompileInline("", "{{ .kind ")
	require.Error(t, err)
	require.Panics(t, func() { NewRenderer().MustCompile("bad", "{{ end }}") })
}
