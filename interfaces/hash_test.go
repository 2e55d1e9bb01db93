package interfaces

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestComputeHash(t *testing.T) {
	assert.Equal(t, ContentHash(helloHash), ComputeHash([]byte("hello")))
	assert.Equal(t,
		ContentHash("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"),
		ComputeHash(nil))
}

func TestHashReader_MatchesBuffer(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte{0xab}, hashChunkSize-1),
		bytes.Repeat([]byte{0xcd}, hashChunkSize*3+17),
	}

	for _, data := range payloads {
		h, n, err := HashReader(context.Background(), bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), n)
		assert.Equal(t, ComputeHash(data), h)
	}
}

func TestHashReader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := HashReader(ctx, strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashingReader(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 10000)
	hr := NewHashingReader(bytes.NewReader(data))

	out, err := io.ReadAll(hr)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, ComputeHash(data), hr.Sum())
	assert.Equal(t, int64(len(data)), hr.BytesRead())
}

func TestVerifyContent(t *testing.T) {
	require.NoError(t, VerifyContent(helloHash, []byte("hello")))

	err := VerifyContent(helloHash, []byte("hellO"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHashMismatch))

	var mismatch *HashMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, ContentHash(helloHash), mismatch.Expected)
	assert.Equal(t, ComputeHash([]byte("hellO")), mismatch.Actual)
}

func TestNewContentHash(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ContentHash
		wantErr bool
	}{
		{name: "bare", input: helloHash, want: helloHash},
		{name: "sha256 prefix", input: "sha256:" + helloHash, want: helloHash},
		{name: "0x prefix", input: "0x" + helloHash, want: helloHash},
		{name: "uppercase", input: strings.ToUpper(helloHash), want: helloHash},
		{name: "too short", input: helloHash[:10], wantErr: true},
		{name: "not hex", input: strings.Repeat("z", 64), wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewContentHash(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContentHash)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContentHash_Helpers(t *testing.T) {
	h := ContentHash(helloHash)
	assert.Equal(t, "2c", h.Shard())
	assert.Equal(t, "sha256:"+helloHash, h.URI())
	assert.Equal(t, helloHash[:16], h.Short())
	assert.NoError(t, h.Validate())
	assert.Error(t, ContentHash(strings.ToUpper(helloHash)).Validate())
}
