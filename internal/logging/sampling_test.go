package logging

import (
	"testing"
	"time"

	"github.com/s11ngh/supermemory-selfhosted/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	base, observed := observer.New(zapcore.DebugLevel)
	core := newSampledCore(base, SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    2,
		Thereafter: 0,
	})
	logger := zap.New(core)

	for i := 0; i < 10; i++ {
		logger.Info("repeated")
		logger.Error("failure")
	}

	assert.Equal(t, 2, observed.FilterMessage("repeated").Len())
	assert.Equal(t, 10, observed.FilterMessage("failure").Len())
}

func TestSampledCore_Disabled(t *testing.T) {
	base, observed := observer.New(zapcore.DebugLevel)
	logger := zap.New(newSampledCore(base, SamplingConfig{Enabled: false}))

	for i := 0; i < 5; i++ {
		logger.Info("repeated")
	}
	assert.Equal(t, 5, observed.Len())
}

func TestLevelFilterCore(t *testing.T) {
	base, _ := observer.New(TraceLevel)

	upper := &levelFilterCore{Core: base, minLevel: zapcore.ErrorLevel, hasMin: true}
	assert.False(t, upper.Enabled(zapcore.WarnLevel))
	assert.True(t, upper.Enabled(zapcore.ErrorLevel))

	lower := &levelFilterCore{Core: base, maxLevel: zapcore.WarnLevel, hasMax: true}
	assert.True(t, lower.Enabled(TraceLevel))
	assert.False(t, lower.Enabled(zapcore.ErrorLevel))

	child, ok := lower.With([]zapcore.Field{zap.String("k", "v")}).(*levelFilterCore)
	require.True(t, ok)
	assert.False(t, child.Enabled(zapcore.ErrorLevel))
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("chatty")
	assert.Error(t, err)
}
