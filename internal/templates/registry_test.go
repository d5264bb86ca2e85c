package templates

import (
	"encoding/json"
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/reelcast/backend/internal/apperr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(os.DirFS("../../templates"))
	require.NoError(t, err)
	return reg
}

func fieldNames(fs []apperr.FieldError) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Field)
	}
	return out
}

func TestResolve(t *testing.T) {
	reg := newTestRegistry(t)

	latest, err := reg.Resolve("promo-reel", 0)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	v1, err := reg.Resolve("promo-reel", 1)
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)

	_, err = reg.Resolve("promo-reel", 9)
	require.ErrorIs(t, err, ErrUnknownVersion)
	_, err = reg.Resolve("nope", 0)
	require.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestList_Ordered(t *testing.T) {
	list := newTestRegistry(t).List()
	require.Len(t, list, 3)
	require.Equal(t, "caption-card", list[0].ID)
	require.Equal(t, "promo-reel", list[1].ID)
	require.Equal(t, 1, list[1].Version)
	require.Equal(t, 2, list[2].Version)
}

func TestValidate_Valid(t *testing.T) {
	tpl, err := newTestRegistry(t).Resolve("promo-reel", 1)
	require.NoError(t, err)
	in := json.RawMessage(`{"headline":"Summer sale","product_image_url":"https://cdn.example.com/p.png"}`)
	require.Nil(t, tpl.Validate(in))
}

func TestValidate_ListsEveryFailingField(t *testing.T) {
	tpl, err := newTestRegistry(t).Resolve("promo-reel", 2)
	require.NoError(t, err)

	fields := tpl.Validate(json.RawMessage(`{"brand_color":"red","cta":"` +
		`this call to action is far too long to fit","extra":1}`))
	names := fieldNames(fields)
	require.Contains(t, names, "input.headline")
	require.Contains(t, names, "input.product_image_url")
	require.Contains(t, names, "input.brand_color")
	require.Contains(t, names, "input.cta")
	require.Contains(t, names, "input.extra")
}

func TestValidate_NestedArrayItems(t *testing.T) {
	tpl, err := newTestRegistry(t).Resolve("caption-card", 1)
	require.NoError(t, err)

	fields := tpl.Validate(json.RawMessage(`{"video_url":"https://cdn.example.com/v.mp4",
		"captions":[{"start":0,"end":1.5,"text":"hi"},{"start":-1,"end":2,"text":""}]}`))
	names := fieldNames(fields)
	require.Contains(t, names, "input.captions.1.start")
	require.Contains(t, names, "input.captions.1.text")
	require.NotContains(t, names, "input.captions.0.text")
}

func TestValidate_MalformedJSON(t *testing.T) {
	tpl, err := newTestRegistry(t).Resolve("caption-card", 1)
	require.NoError(t, err)
	fields := tpl.Validate(json.RawMessage(`{"video_url":`))
	require.Equal(t, []apperr.FieldError{{Field: "input", Message: "must be valid JSON"}}, fields)
}

func TestNewRegistry_Rejects(t *testing.T) {
	good := `{"template_id":"a","version":1,"input_schema":{"type":"object"}}`
	cases := map[string]fstest.MapFS{
		"duplicate version": {
			"a.v1.json":      {Data: []byte(good)},
			"a.v1-copy.json": {Data: []byte(good)},
		},
		"missing schema": {
			"a.json": {Data: []byte(`{"template_id":"a","version":1}`)},
		},
		"bad schema": {
			"a.json": {Data: []byte(`{"template_id":"a","version":1,"input_schema":{"type":42}}`)},
		},
		"not json": {
			"a.json": {Data: []byte(`{`)},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(fsys)
			require.Error(t, err)
		})
	}
}

func TestNewRegistry_IgnoresOtherFiles(t *testing.T) {
	reg, err := NewRegistry(fstest.MapFS{
		"README.md": {Data: []byte("# templates")},
		"a.json":    {Data: []byte(`{"template_id":"a","version":3,"input_schema":{"type":"object"}}`)},
	})
	require.NoError(t, err)
	tpl, err := reg.Resolve("a", 0)
	require.NoError(t, err)
	require.Equal(t, 3, tpl.Version)
}
