package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datify-sh/datify/internal/apperr"
)

type fakeStore struct {
	allocated []int
}

func (f *fakeStore) AllocatedPorts() ([]int, error) { return f.allocated, nil }

func TestAcquireReturnsLowestFree(t *testing.T) {
	a, err := New(30000, 30002, &fakeStore{})
	require.NoError(t, err)

	p1, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 30000, p1)

	p2, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 30001, p2)
}

func TestAcquireExhaustion(t *testing.T) {
	a, err := New(30000, 30001, &fakeStore{})
	require.NoError(t, err)

	_, err = a.Acquire()
	require.NoError(t, err)
	_, err = a.Acquire()
	require.NoError(t, err)

	_, err = a.Acquire()
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodePortExhausted, appErr.Code)
}

func TestReleaseFreesPort(t *testing.T) {
	a, err := New(30000, 30001, &fakeStore{})
	require.NoError(t, err)

	p, err := a.Acquire()
	require.NoError(t, err)

	a.Release(p)
	again, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestNewReconcilesExistingAllocations(t *testing.T) {
	a, err := New(30000, 30002, &fakeStore{allocated: []int{30000}})
	require.NoError(t, err)

	p, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 30001, p)
}

func TestReserveRejectsOutOfRange(t *testing.T) {
	a, err := New(30000, 30001, &fakeStore{})
	require.NoError(t, err)

	err = a.Reserve(40000)
	require.Error(t, err)
}

func TestReserveRejectsDuplicate(t *testing.T) {
	a, err := New(30000, 30001, &fakeStore{})
	require.NoError(t, err)

	require.NoError(t, a.Reserve(30000))
	err = a.Reserve(30000)
	require.Error(t, err)
}
