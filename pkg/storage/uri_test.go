package storage

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{name: "simple key", input: "/b/code.py", wantBucket: "b", wantKey: "code.py"},
		{name: "nested key", input: "/bucket/a/b/c.txt", wantBucket: "bucket", wantKey: "a/b/c.txt"},
		{name: "directory prefix", input: "/bucket/dir/", wantBucket: "bucket", wantKey: "dir/"},
		{name: "empty", input: "", wantErr: true},
		{name: "no leading slash", input: "bucket/key", wantErr: true},
		{name: "bucket only", input: "/bucket", wantErr: true},
		{name: "bucket with trailing slash", input: "/bucket/", wantErr: true},
		{name: "empty bucket", input: "//key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseURI(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, u.Bucket)
			assert.Equal(t, tt.wantKey, u.Key)
			assert.Equal(t, tt.input, u.String())
		})
	}
}

func TestURIHelpers(t *testing.T) {
	u := MustParseURI("/b/out")
	assert.Equal(t, "/b/out/x/y.txt", u.Join("x", "y.txt").String())
	assert.Equal(t, "/b/out.meta.json", u.WithSuffix(".meta.json").String())
	assert.Equal(t, "out/", u.DirPrefix())
	assert.Equal(t, "out/", MustParseURI("/b/out/").DirPrefix())
	assert.True(t, IsURI("/b/k"))
	assert.False(t, IsURI("--flag"))
	assert.Panics(t, func() { MustParseURI("nope") })
}

func TestURIRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse then rejoin reproduces the address", prop.ForAll(
		func(bucket string, segments []string) bool {
			raw := "/" + bucket + "/" + strings.Join(segments, "/")
			u, err := ParseURI(raw)
			if err != nil {
				return false
			}
			back, err := ParseURI(u.String())
			return err == nil && back == u && u.String() == raw && u.Bucket == bucket
		},
		gen.Identifier(),
		gen.SliceOfN(3, gen.Identifier()).SuchThat(func(s []string) bool { return len(s) > 0 }),
	))

	properties.TestingRun(t)
}
