// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float16, 128, 1024)
	assert.True(t, s.IsStatic())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 128*1024, s.Size())
	assert.Equal(t, uintptr(128*1024*2), s.MaxMemory())
	assert.Equal(t, []int{128, 1024}, s.Dimensions())
	assert.Equal(t, 1024, s.Dim(-1).Value())
	assert.Equal(t, "(Float16)[128 1024]", s.String())
	assert.Panics(t, func() { Make(dtypes.Float32, 0, 3) })

	d := MakeDims(dtypes.Float32, Dynamic("batch", 1, 64), Static(16))
	assert.False(t, d.IsStatic())
	assert.Equal(t, 64*16, d.MaxSize())
	assert.Equal(t, []string{"batch"}, d.Symbols())
	assert.Equal(t, "(Float32)[batch:1..64 16]", d.String())
	assert.Panics(t, func() { _ = d.Size() })

	concrete, err := d.Concrete(Bindings{"batch": 8})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16}, concrete)
	_, err = d.Concrete(Bindings{"batch": 65})
	require.Error(t, err)
	_, err = d.Concrete(nil)
	require.Error(t, err)

	assert.True(t, d.Equal(d.Clone()))
	assert.False(t, d.Equal(Make(dtypes.Float32, 64, 16)))

	// Dynamic dimensions must be named, or they could never be bound.
	assert.Panics(t, func() { Dynamic("", 1, 8) })
	assert.Panics(t, func() { Dynamic("batch", 8, 1) })
	anonymous := MakeDims(dtypes.Float32, Dim{Min: 1, Max: 8}, Static(4))
	assert.False(t, anonymous.Ok())
	require.ErrorContains(t, anonymous.Check(), "no symbol")
	assert.True(t, d.Ok())

	var decoded Shape
	require.NoError(t, decoded.UnmarshalJSON([]byte(`{"dtype":"Float32","dims":[{"min":1,"max":8,"symbol":"b"}]}`)))
	assert.Equal(t, []string{"b"}, decoded.Symbols())
	require.ErrorContains(t, decoded.UnmarshalJSON([]byte(`{"dtype":"Float32","dims":[{"min":1,"max":8}]}`)), "no symbol")
}

func TestContiguousStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, ContiguousStrides([]int{2, 3, 4}))
	assert.Equal(t, []int{}, ContiguousStrides([]int{}))
}

func TestParseDType(t *testing.T) {
	dtype, err := ParseDType("float16")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, dtype)
	dtype, err = ParseDType("Float32")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)
	_, err = ParseDType("float8")
	require.Error(t, err)
}

func TestBindings(t *testing.T) {
	b := Bindings{"seq": 128, "batch": 4}
	assert.Equal(t, "batch=4,seq=128", b.Key())
	assert.Equal(t, "", Bindings(nil).Key())

	c := b.Clone()
	c["batch"] = 8
	assert.Equal(t, 4, b["batch"])

	require.NoError(t, b.Merge(Bindings{"seq": 128, "heads": 12}))
	assert.Equal(t, 12, b["heads"])
	require.Error(t, b.Merge(Bindings{"seq": 64}))
}

func TestExtractBindings(t *testing.T) {
	pattern := MakeDims(dtypes.Float32, Dynamic("batch", 1, 32), Static(10), Dynamic("batch", 1, 32))
	b, err := ExtractBindings(pattern, []int{4, 10, 4})
	require.NoError(t, err)
	assert.Equal(t, Bindings{"batch": 4}, b)

	_, err = ExtractBindings(pattern, []int{4, 11, 4})
	require.Error(t, err, "static mismatch")
	_, err = ExtractBindings(pattern, []int{4, 10, 5})
	require.Error(t, err, "conflicting symbol values")
	_, err = ExtractBindings(pattern, []int{33, 10, 33})
	require.Error(t, err, "out of bounds")
	_, err = ExtractBindings(pattern, []int{4, 10})
	require.Error(t, err, "rank mismatch")
}

func TestSymbolTable(t *testing.T) {
	table := NewSymbolTable()
	require.NoError(t, table.Register(MakeDims(dtypes.Float32, Dynamic("batch", 1, 64), Static(3))))
	require.NoError(t, table.Register(MakeDims(dtypes.Float16, Dynamic("batch", 1, 64))))
	err := table.Register(MakeDims(dtypes.Float16, Dynamic("batch", 1, 32)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch")
	assert.Equal(t, []string{"batch"}, table.Symbols())
}

func TestGrid(t *testing.T) {
	assert.Equal(t, []int{1, 64}, GridPoints(Dynamic("b", 1, 64), GridMinMax))
	assert.Equal(t, []int{1, 2, 4, 8, 16, 32, 64}, GridPoints(Dynamic("b", 1, 64), GridPow2))
	assert.Equal(t, []int{3, 4, 8, 10}, GridPoints(Dynamic("b", 3, 10), GridPow2))
	assert.Equal(t, []int{7}, GridPoints(Static(7), GridPow2))

	table := NewSymbolTable()
	require.NoError(t, table.Register(MakeDims(dtypes.Float32, Dynamic("m", 1, 8), Dynamic("b", 2, 4))))
	grid, err := table.Grid([]string{"m", "b", "m"}, GridMinMax)
	require.NoError(t, err)
	require.Len(t, grid, 4)
	assert.Equal(t, Bindings{"b": 2, "m": 1}, grid[0])
	assert.Equal(t, Bindings{"b": 2, "m": 8}, grid[1])
	assert.Equal(t, Bindings{"b": 4, "m": 8}, grid[3])

	grid, err = table.Grid(nil, GridMinMax)
	require.NoError(t, err)
	assert.Len(t, grid, 1)

	_, err = table.Grid([]string{"unknown"}, GridMinMax)
	require.Error(t, err)
}

func TestIter(t *testing.T) {
	var flat []int
	var last []int
	for flatIdx, indices := range Iter([]int{2, 3}) {
		flat = append(flat, flatIdx)
		last = append(last[:0], indices...)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, flat)
	assert.Equal(t, []int{1, 2}, last)

	count := 0
	for range Iter(nil) {
		count++
	}
	assert.Equal(t, 1, count, "scalars iterate once")
}
