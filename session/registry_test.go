package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provamark-dev/provamark-host-sdk/engine"
	"github.com/provamark-dev/provamark-host-sdk/session"
)

// stubBuilder is a test double for engine.Builder.
type stubBuilder struct {
	closeErr   error
	closeCalls atomic.Int32
}

func (b *stubBuilder) SetIntent(context.Context, string, string) error       { return nil }
func (b *stubBuilder) SetNoEmbed(context.Context) error                      { return nil }
func (b *stubBuilder) SetRemoteURL(context.Context, string) error            { return nil }
func (b *stubBuilder) AddResource(context.Context, string, []byte) error     { return nil }
func (b *stubBuilder) AddIngredient(context.Context, []byte, string, []byte) error {
	return nil
}
func (b *stubBuilder) AddAction(context.Context, []byte) error    { return nil }
func (b *stubBuilder) ToArchive(context.Context) ([]byte, error)  { return nil, nil }
func (b *stubBuilder) Sign(context.Context, engine.SignerInfo, []byte, string) (*engine.SignResult, error) {
	return &engine.SignResult{}, nil
}

func (b *stubBuilder) Close(context.Context) error {
	b.closeCalls.Add(1)
	return b.closeErr
}

func newSession() *session.Session {
	return &session.Session{Builder: &stubBuilder{}}
}

func Test_Registry_Create_ConcurrentHandlesAreUnique(t *testing.T) {
	r := session.NewRegistry()

	const n = 100
	handles := make(chan session.Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles <- r.Create(newSession())
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[session.Handle]bool, n)
	for h := range handles {
		assert.Positive(t, int64(h))
		assert.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
	}
	require.Len(t, seen, n)

	// Every issued handle stays resolvable until disposed.
	for h := range seen {
		_, err := r.Lookup(h)
		assert.NoError(t, err)
	}
}

func Test_Registry_Lookup_UnknownHandle(t *testing.T) {
	r := session.NewRegistry()

	for _, h := range []session.Handle{0, 1, -5, 12345} {
		_, err := r.Lookup(h)
		assert.ErrorIs(t, err, session.ErrInvalidHandle)
	}
}

func Test_Registry_Dispose_Idempotent(t *testing.T) {
	r := session.NewRegistry()
	b := &stubBuilder{}
	h := r.Create(&session.Session{Builder: b})

	require.NoError(t, r.Dispose(context.Background(), h))
	require.NoError(t, r.Dispose(context.Background(), h))
	assert.Equal(t, int32(1), b.closeCalls.Load())
}

func Test_Registry_Dispose_NeverIssuedHandle(t *testing.T) {
	r := session.NewRegistry()

	err := r.Dispose(context.Background(), 42)
	assert.ErrorIs(t, err, session.ErrInvalidHandle)
}

func Test_Registry_OperationAfterDisposeFails(t *testing.T) {
	r := session.NewRegistry()
	h := r.Create(newSession())
	require.NoError(t, r.Dispose(context.Background(), h))

	_, err := r.Lookup(h)
	assert.ErrorIs(t, err, session.ErrInvalidHandle)

	err = r.WithSession(h, func(*session.Session) error { return nil })
	assert.ErrorIs(t, err, session.ErrInvalidHandle)

	var hErr *session.HandleError
	require.ErrorAs(t, err, &hErr)
	assert.Equal(t, h, hErr.Handle)
}

func Test_Registry_HandleNeverReused(t *testing.T) {
	r := session.NewRegistry()

	h1 := r.Create(newSession())
	require.NoError(t, r.Dispose(context.Background(), h1))

	h2 := r.Create(newSession())
	assert.NotEqual(t, h1, h2)
	assert.Greater(t, h2, h1)
}

func Test_Registry_WithSession_SerializesSameHandle(t *testing.T) {
	r := session.NewRegistry()
	h := r.Create(newSession())

	var inside atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.WithSession(h, func(*session.Session) error {
				if inside.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "operations on one handle overlapped")
}

func Test_Registry_WithSession_IndependentHandlesRunConcurrently(t *testing.T) {
	r := session.NewRegistry()
	hA := r.Create(newSession())
	hB := r.Create(newSession())

	aEntered := make(chan struct{})
	aRelease := make(chan struct{})

	go func() {
		_ = r.WithSession(hA, func(*session.Session) error {
			close(aEntered)
			<-aRelease
			return nil
		})
	}()

	<-aEntered

	// B must proceed while A's operation is still holding its lock.
	done := make(chan error, 1)
	go func() {
		done <- r.WithSession(hB, func(*session.Session) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("independent session was blocked by another handle's operation")
	}

	close(aRelease)
}

func Test_Registry_Dispose_WaitsForInFlightOperation(t *testing.T) {
	r := session.NewRegistry()
	b := &stubBuilder{}
	h := r.Create(&session.Session{Builder: b})

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.WithSession(h, func(*session.Session) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	disposed := make(chan struct{})
	go func() {
		defer close(disposed)
		_ = r.Dispose(context.Background(), h)
	}()

	select {
	case <-disposed:
		t.Fatal("dispose did not wait for the in-flight operation")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-disposed:
	case <-time.After(2 * time.Second):
		t.Fatal("dispose never completed")
	}
	assert.Equal(t, int32(1), b.closeCalls.Load())
}

func Test_Registry_DisposeAll_ContinuesPastErrors(t *testing.T) {
	r := session.NewRegistry()

	bad := &stubBuilder{closeErr: errors.New("native release failed")}
	good := &stubBuilder{}
	r.Create(&session.Session{Builder: bad})
	r.Create(&session.Session{Builder: good})

	err := r.DisposeAll(context.Background())
	require.Error(t, err)

	assert.Equal(t, int32(1), bad.closeCalls.Load())
	assert.Equal(t, int32(1), good.closeCalls.Load())
	assert.Zero(t, r.Len())
}

func Test_Registry_Len_CountsLiveSessions(t *testing.T) {
	r := session.NewRegistry()
	assert.Zero(t, r.Len())

	h1 := r.Create(newSession())
	r.Create(newSession())
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Dispose(context.Background(), h1))
	assert.Equal(t, 1, r.Len())
}
