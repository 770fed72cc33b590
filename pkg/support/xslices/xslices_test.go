// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"flag"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlices(t *testing.T) {
	assert.Equal(t, 3, Last([]int{1, 2, 3}))
	assert.Panics(t, func() { Last([]int{}) })

	v, rest := Pop([]string{"a", "b"})
	assert.Equal(t, "b", v)
	assert.Equal(t, []string{"a"}, rest)
	v, rest = Pop[string](nil)
	assert.Equal(t, "", v)
	assert.Empty(t, rest)

	assert.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, strconv.Itoa))
	assert.Equal(t, 24, Product([]int{2, 3, 4}))
	assert.Equal(t, int64(1), Product[int64](nil))
	assert.Equal(t, float32(1.5), Product([]float32{0.5, 3}))
}

func TestFlagVar(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	values := FlagVar(fs, "values", []int{1}, "Values.", strconv.Atoi)
	names := FlagVar(fs, "names", nil, "Names.", func(s string) (string, error) { return s, nil })
	require.NoError(t, fs.Parse([]string{"-values", "3, 5,8"}))
	assert.Equal(t, []int{3, 5, 8}, *values)
	assert.Nil(t, *names)
	assert.Equal(t, "3,5,8", fs.Lookup("values").Value.String())

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_ = FlagVar(fs, "values", nil, "Values.", strconv.Atoi)
	require.Error(t, fs.Parse([]string{"-values", "3,x"}))
}
