package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLocationBackend implements interfaces.LocationBackend for testing
type MockLocationBackend struct {
	mock.Mock
	locType interfaces.LocationType
}

func (m *MockLocationBackend) Fetch(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) ([]byte, error) {
	args := m.Called(ctx, hash, loc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockLocationBackend) Open(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	args := m.Called(ctx, hash, loc, rng)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.ObjectReader), args.Error(1)
}

func (m *MockLocationBackend) Store(ctx context.Context, hash interfaces.ContentHash, data []byte, loc interfaces.StorageLocation) (interfaces.StorageLocation, error) {
	args := m.Called(ctx, hash, data, loc)
	return args.Get(0).(interfaces.StorageLocation), args.Error(1)
}

func (m *MockLocationBackend) Supports(loc interfaces.StorageLocation) bool {
	return loc.Type == m.locType
}

func TestMultiLocationBackend_FetchAny(t *testing.T) {
	data := []byte("replicated")
	hash := interfaces.ComputeHash(data)
	local := interfaces.StorageLocation{Type: interfaces.LocationLocal, URL: "file:///a"}
	remote := interfaces.StorageLocation{Type: interfaces.LocationS3, URL: "s3://b"}

	tests := []struct {
		name       string
		setupMocks func(l, r *MockLocationBackend)
		wantData   []byte
		wantLoc    interfaces.StorageLocation
		wantErr    error
	}{
		{
			name: "first location serves",
			setupMocks: func(l, r *MockLocationBackend) {
				l.On("Fetch", mock.Anything, hash, local).Return(data, nil)
			},
			wantData: data,
			wantLoc:  local,
		},
		{
			name: "falls back after error",
			setupMocks: func(l, r *MockLocationBackend) {
				l.On("Fetch", mock.Anything, hash, local).Return(nil, errors.New("disk error"))
				r.On("Fetch", mock.Anything, hash, remote).Return(data, nil)
			},
			wantData: data,
			wantLoc:  remote,
		},
		{
			name: "falls back after corrupt copy",
			setupMocks: func(l, r *MockLocationBackend) {
				l.On("Fetch", mock.Anything, hash, local).Return([]byte("rotted"), nil)
				r.On("Fetch", mock.Anything, hash, remote).Return(data, nil)
			},
			wantData: data,
			wantLoc:  remote,
		},
		{
			name: "all not found",
			setupMocks: func(l, r *MockLocationBackend) {
				l.On("Fetch", mock.Anything, hash, local).Return(nil, interfaces.ErrContentNotFound)
				r.On("Fetch", mock.Anything, hash, remote).Return(nil, interfaces.ErrContentNotFound)
			},
			wantErr: interfaces.ErrContentNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &MockLocationBackend{locType: interfaces.LocationLocal}
			r := &MockLocationBackend{locType: interfaces.LocationS3}
			tt.setupMocks(l, r)

			multi := NewMultiLocationBackend([]interfaces.LocationBackend{l, r}, testLogger())
			got, loc, err := multi.FetchAny(context.Background(), hash, []interfaces.StorageLocation{local, remote})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, got)
			assert.Equal(t, tt.wantLoc, loc)
			l.AssertExpectations(t)
			r.AssertExpectations(t)
		})
	}
}

func TestMultiLocationBackend_Unsupported(t *testing.T) {
	multi := NewMultiLocationBackend(nil, testLogger())
	_, err := multi.Fetch(context.Background(), interfaces.ComputeHash(nil), interfaces.StorageLocation{Type: interfaces.LocationCDN})
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestDriverLocationBackend(t *testing.T) {
	ctx := context.Background()
	d := newTestFileDriver(t)
	b := NewDriverLocationBackend(d, interfaces.TierHot)

	data := []byte("via location")
	hash := interfaces.ComputeHash(data)
	target := interfaces.StorageLocation{Type: interfaces.LocationLocal, Tier: interfaces.TierCold}
	assert.True(t, b.Supports(target))

	stored, err := b.Store(ctx, hash, data, target)
	require.NoError(t, err)
	assert.Equal(t, d.Location(interfaces.TierCold).URL, stored.URL)
	assert.False(t, stored.VerifiedAt.IsZero())
	assert.True(t, b.Supports(stored))
	assert.False(t, b.Supports(interfaces.StorageLocation{Type: interfaces.LocationLocal, URL: "file:///elsewhere/hot"}))

	got, err := b.Fetch(ctx, hash, stored)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	r, err := b.Open(ctx, hash, stored, &interfaces.ByteRange{Start: 4, End: -1})
	require.NoError(t, err)
	assert.Equal(t, "location", string(readAll(t, r)))
}

func TestCDNLocationBackend_UnknownLength(t *testing.T) {
	data := []byte("chunked without a length")
	hash := interfaces.ComputeHash(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data[:7])
		w.(http.Flusher).Flush()
		w.Write(data[7:])
	}))
	defer srv.Close()

	b := NewCDNLocationBackend(time.Second, testLogger())
	r, err := b.Open(context.Background(), hash, interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), r.Length())
	assert.Equal(t, data, readAll(t, r))
}

func TestCDNLocationBackend(t *testing.T) {
	data := []byte("0123456789")
	hash := interfaces.ComputeHash(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hot/"+string(hash) {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	ctx := context.Background()
	b := NewCDNLocationBackend(time.Second, testLogger())
	loc := interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: srv.URL + "/hot"}

	got, err := b.Fetch(ctx, hash, loc)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	r, err := b.Open(ctx, hash, loc, &interfaces.ByteRange{Start: 2, End: 4})
	require.NoError(t, err)
	assert.True(t, r.Partial)
	assert.Equal(t, int64(10), r.Metadata.Size)
	assert.Equal(t, "234", string(readAll(t, r)))

	stored, err := b.Store(ctx, hash, data, loc)
	require.NoError(t, err)
	assert.False(t, stored.VerifiedAt.IsZero())

	cold := interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: srv.URL + "/cold"}
	_, err = b.Fetch(ctx, hash, cold)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = b.Store(ctx, hash, data, cold)
	assert.ErrorIs(t, err, interfaces.ErrReadOnlyLocation)
}

type fakeIPFSShell struct {
	up      bool
	objects map[string][]byte
}

func (f *fakeIPFSShell) IsUp() bool { return f.up }

func (f *fakeIPFSShell) Cat(path string) (io.ReadCloser, error) {
	data, ok := f.objects[strings.TrimPrefix(path, "/ipfs/")]
	if !ok {
		return nil, errors.New("merkledag: not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeIPFSShell) Add(r io.Reader, _ ...shell.AddOpts) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	cid := "bafy" + string(interfaces.ComputeHash(data))[:20]
	f.objects[cid] = data
	return cid, nil
}

func TestIPFSLocationBackend(t *testing.T) {
	ctx := context.Background()
	fake := &fakeIPFSShell{up: true, objects: map[string][]byte{}}
	b := &IPFSLocationBackend{shell: fake, apiURL: "fake:5001", log: testLogger()}

	data := []byte("pinned")
	hash := interfaces.ComputeHash(data)
	loc := interfaces.StorageLocation{Type: interfaces.LocationIPFS}

	_, err := b.Fetch(ctx, hash, loc)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = b.Store(ctx, hash, []byte("wrong"), loc)
	assert.ErrorIs(t, err, interfaces.ErrHashMismatch)

	stored, err := b.Store(ctx, hash, data, loc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.URL, "ipfs://bafy"))

	got, err := b.Fetch(ctx, hash, stored)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	r, err := b.Open(ctx, hash, stored, &interfaces.ByteRange{Start: 3, End: -1})
	require.NoError(t, err)
	assert.Equal(t, "ned", string(readAll(t, r)))

	fake.up = false
	_, err = b.Fetch(ctx, hash, stored)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}
