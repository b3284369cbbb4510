package util

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringInList(t *testing.T) {
	list := []string{"a", "b", "c"}
	assert.True(t, StringInList("a", list))
	assert.False(t, StringInList("d", list))
	assert.False(t, StringInList("a", nil))
}

func TestMean(t *testing.T) {
	assert.True(t, math.IsNaN(Mean(nil)))
	assert.Equal(t, 2.0, Mean([]float64{1, 2, 3}))
	assert.Equal(t, 5.0, Mean([]float64{5}))
}

func TestPercentile(t *testing.T) {
	assert.True(t, math.IsNaN(Percentile(nil, 95)))
	vals := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 10.0, Percentile(vals, 100))
	assert.Equal(t, 1.0, Percentile(vals, 0))
	assert.InDelta(t, 5.5, Percentile(vals, 50), 0.0001)
	assert.InDelta(t, 9.55, Percentile(vals, 95), 0.0001)
	// input order must not matter
	shuffled := []float64{10, 3, 7, 1, 9, 5, 2, 8, 6, 4}
	assert.Equal(t, Percentile(vals, 95), Percentile(shuffled, 95))
}
