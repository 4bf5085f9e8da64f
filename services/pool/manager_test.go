package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-echelon/services"
)

func TestManager_CreateAndGet(t *testing.T) {
	m := NewManager(zap.NewNop())

	p, err := m.CreatePool(testPoolConfig())
	require.NoError(t, err)
	assert.Same(t, p, m.GetPool("shared"))
	assert.Nil(t, m.GetPool("missing"))

	got, err := m.MustGetPool("shared")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = m.MustGetPool("missing")
	assert.ErrorIs(t, err, services.ErrPoolNotFound)
}

func TestManager_CreateDuplicate(t *testing.T) {
	m := NewManager(zap.NewNop())

	_, err := m.CreatePool(testPoolConfig())
	require.NoError(t, err)

	_, err = m.CreatePool(testPoolConfig())
	assert.ErrorIs(t, err, services.ErrPoolAlreadyExists)
	assert.Len(t, m.ListPools(), 1)
}

func TestManager_CreateInvalidNotRegistered(t *testing.T) {
	m := NewManager(zap.NewNop())
	cfg := testPoolConfig()
	cfg.Instances[0].MaxConcurrency = -1

	_, err := m.CreatePool(cfg)
	assert.ErrorIs(t, err, services.ErrPoolConfiguration)
	assert.Nil(t, m.GetPool(cfg.Name))
}

func TestManager_DeleteAndList(t *testing.T) {
	m := NewManager(zap.NewNop())

	for _, name := range []string{"zeta", "alpha"} {
		cfg := testPoolConfig()
		cfg.Name = name
		_, err := m.CreatePool(cfg)
		require.NoError(t, err)
	}

	pools := m.ListPools()
	require.Len(t, pools, 2)
	assert.Equal(t, "alpha", pools[0].Name())
	assert.Equal(t, "zeta", pools[1].Name())

	stats := m.GetAllPoolStatistics()
	require.Len(t, stats, 2)
	assert.Equal(t, "alpha", stats[0].Name)

	assert.True(t, m.DeletePool("alpha"))
	assert.False(t, m.DeletePool("alpha"))
	assert.Len(t, m.ListPools(), 1)
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.CreatePool(testPoolConfig())
	require.NoError(t, err)

	m.Shutdown()

	assert.Empty(t, m.ListPools())
	_, err = m.CreatePool(testPoolConfig())
	assert.ErrorIs(t, err, services.ErrManagerShutdown)
}
