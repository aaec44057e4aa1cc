package kernelcfg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/m3sys/kernel/internal/kernel/kernelcfg"
)

func TestApplyDefaults_FillsOnlyZeroFields(t *testing.T) {
	cfg := kernelcfg.KernelConfig{MaxActs: 64}
	cfg.ApplyDefaults()

	defaults := kernelcfg.DefaultKernelConfig()
	assert.Equal(t, uint32(64), cfg.MaxActs)
	assert.Equal(t, defaults.PageSize, cfg.PageSize)
	assert.Equal(t, defaults.PageBits, cfg.PageBits)
	assert.Equal(t, defaults.DefaultTimeSlice, cfg.DefaultTimeSlice)
	assert.Equal(t, defaults.DefaultPageTables, cfg.DefaultPageTables)
	assert.Equal(t, defaults.ReservedKernelMemory, cfg.ReservedKernelMemory)
	assert.Equal(t, defaults.ModHeapSize, cfg.ModHeapSize)
}

func TestApplyDefaults_OnZeroValueMatchesDefaults(t *testing.T) {
	var cfg kernelcfg.KernelConfig
	cfg.ApplyDefaults()
	assert.Equal(t, kernelcfg.DefaultKernelConfig(), cfg)
}
