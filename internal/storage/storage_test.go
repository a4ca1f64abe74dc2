package storage

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir(), BaseURL: "http://localhost:8080/files/"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestUploadKey(t *testing.T) {
	key := UploadKey("auth0|abc/../x", ".JPG")
	assert.True(t, strings.HasPrefix(key, "uploads/auth0_abc____x/"), key)
	assert.True(t, strings.HasSuffix(key, ".jpg"), key)
	assert.NoError(t, validKey(key))

	assert.NotEqual(t, UploadKey("u", "jpg"), UploadKey("u", "jpg"))
	assert.True(t, strings.HasSuffix(UploadKey("u", ""), ".bin"))
	assert.Contains(t, UploadKey("", "png"), "uploads/anonymous/")
}

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("put get url delete", func(t *testing.T) {
		s := newLocal(t)
		key := "uploads/u1/a.jpg"

		require.NoError(t, s.Put(ctx, key, strings.NewReader("hello"), PutOptions{ContentType: "image/jpeg"}))

		ok, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)

		rc, info, err := s.Get(ctx, key)
		require.NoError(t, err)
		body, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, int64(5), info.Size)
		assert.Equal(t, "image/jpeg", info.ContentType)

		url, err := s.URL(ctx, key, 0)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080/files/uploads/u1/a.jpg", url)

		require.NoError(t, s.Delete(ctx, key))
		require.NoError(t, s.Delete(ctx, key))
		ok, err = s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("existing key without overwrite", func(t *testing.T) {
		s := newLocal(t)
		require.NoError(t, s.Put(ctx, "k.txt", strings.NewReader("a"), PutOptions{}))
		err := s.Put(ctx, "k.txt", strings.NewReader("b"), PutOptions{})
		assert.True(t, IsKeyExists(err))
		require.NoError(t, s.Put(ctx, "k.txt", strings.NewReader("b"), PutOptions{Overwrite: true}))
	})

	t.Run("too large", func(t *testing.T) {
		s := newLocal(t)
		err := s.Put(ctx, "big.bin", strings.NewReader("123456"), PutOptions{MaxSize: 5})
		assert.True(t, IsTooLarge(err))
		ok, _ := s.Exists(ctx, "big.bin")
		assert.False(t, ok)
	})

	t.Run("missing object", func(t *testing.T) {
		s := newLocal(t)
		_, _, err := s.Get(ctx, "nope.jpg")
		assert.True(t, IsNotFound(err))
	})

	t.Run("invalid keys", func(t *testing.T) {
		s := newLocal(t)
		for _, key := range []string{"", "../etc/passwd", "a/../../b", "/abs"} {
			err := s.Put(ctx, key, strings.NewReader("x"), PutOptions{})
			assert.ErrorIs(t, err, ErrInvalidKey, key)
		}
	})
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "text/plain", DetectContentType("text/plain", "a.jpg", nil))
	assert.Equal(t, "image/png", DetectContentType("", "a.PNG", nil))
	assert.Equal(t, "application/octet-stream", DetectContentType("", "noext", nil))
	assert.Contains(t, DetectContentType("", "noext", strings.NewReader("<html><body></body></html>")), "text/html")
}

func TestNew(t *testing.T) {
	_, err := New(Config{Provider: "gcs"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)

	s, err := New(Config{Provider: ProviderLocal, Local: LocalConfig{BasePath: t.TempDir()}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = New(Config{Provider: ProviderR2, R2: R2Config{BucketName: "b"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
